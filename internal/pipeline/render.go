package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// MissingPlaceholderError reports a {key} placeholder with no value in
// the context map.
type MissingPlaceholderError struct {
	Key string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("missing placeholder {%s} in template", e.Key)
}

var (
	// placeholderRE matches {key} placeholders and the {{ }} escapes.
	// Braces around anything that is not an identifier are left alone
	// so templates may embed JSON examples.
	placeholderRE = regexp.MustCompile(`\{\{|\}\}|\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	// longhandRE matches [system_prompt:NAME] and [guard_rail:NAME].
	longhandRE = regexp.MustCompile(`\[(system_prompt|guard_rail):([^\[\]]+)\]`)
)

// Context holds the values available to prompt placeholders.
type Context map[string]any

// renderUser substitutes {key} placeholders from c. The first key
// without a value fails the render.
func renderUser(tmpl string, c Context) (string, error) {
	var missing *MissingPlaceholderError
	out := placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		switch m {
		case "{{":
			return "{"
		case "}}":
			return "}"
		}
		key := m[1 : len(m)-1]
		v, ok := c[key]
		if !ok {
			if missing == nil {
				missing = &MissingPlaceholderError{Key: key}
			}
			return m
		}
		return formatValue(v)
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// expandKnown substitutes {key} placeholders that have a value and
// leaves the rest untouched.
func expandKnown(tmpl string, c Context) string {
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		if m == "{{" || m == "}}" {
			return m
		}
		if v, ok := c[m[1:len(m)-1]]; ok {
			return formatValue(v)
		}
		return m
	})
}

// expandLonghand resolves [system_prompt:NAME] and [guard_rail:NAME]
// with resolve. Forms resolve cannot satisfy are left as written.
func expandLonghand(tmpl string, resolve func(kind, name string) (string, bool)) string {
	return longhandRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := longhandRE.FindStringSubmatch(m)
		if text, ok := resolve(sub[1], sub[2]); ok {
			return text
		}
		return m
	})
}

// formatValue renders a context value: strings as-is, everything else
// as indented JSON.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.RawMessage:
		var s string
		if json.Unmarshal(val, &s) == nil {
			return s
		}
		var buf bytes.Buffer
		if json.Indent(&buf, val, "", "  ") == nil {
			return buf.String()
		}
		return string(val)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
