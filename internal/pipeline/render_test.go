package pipeline

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRenderUser(t *testing.T) {
	c := Context{
		"user_input": "lights on",
		"count":      json.RawMessage(`3`),
		"name":       json.RawMessage(`"Kitchen"`),
	}
	tests := []struct {
		name    string
		tmpl    string
		want    string
		missing string
	}{
		{"plain", "Command: {user_input}", "Command: lights on", ""},
		{"raw json number", "{count} lights", "3 lights", ""},
		{"raw json string unquoted", "room {name}", "room Kitchen", ""},
		{"escaped braces", "{{user_input}}", "{user_input}", ""},
		{"non-identifier braces kept", `{"a": 1}`, `{"a": 1}`, ""},
		{"missing key", "{user_input} {forecast}", "", "forecast"},
		{"first missing key reported", "{a} {b}", "", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderUser(tt.tmpl, c)
			if tt.missing != "" {
				var mp *MissingPlaceholderError
				if !errors.As(err, &mp) || mp.Key != tt.missing {
					t.Fatalf("err = %v, want missing %q", err, tt.missing)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("renderUser(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestExpandLonghand(t *testing.T) {
	resolve := func(kind, name string) (string, bool) {
		if kind == "system_prompt" && name == "persona" {
			return "You are Hearth.", true
		}
		return "", false
	}
	got := expandLonghand("[system_prompt:persona] [guard_rail:none] [other:x]", resolve)
	if got != "You are Hearth. [guard_rail:none] [other:x]" {
		t.Errorf("expandLonghand = %q", got)
	}
}

func TestExpandKnown(t *testing.T) {
	got := expandKnown("{user_input} {unknown} {{x}}", Context{"user_input": "hi"})
	if got != "hi {unknown} {{x}}" {
		t.Errorf("expandKnown = %q", got)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "as is", "as is"},
		{"map", map[string]any{"failed_fetch": true}, "{\n  \"failed_fetch\": true\n}"},
		{"raw object", json.RawMessage(`{"a":[1,2]}`), "{\n  \"a\": [\n    1,\n    2\n  ]\n}"},
		{"raw string", json.RawMessage(`"x"`), "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(tt.in); got != tt.want {
				t.Errorf("formatValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseActions(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{"array", `[{"type":"action","intent":"light.turn_on","entity_id":"light.a"}]`, 1, false},
		{"wrapped", `{"actions":[{"type":"action"},{"type":"check_state"}]}`, 2, false},
		{"empty array", `[]`, 0, false},
		{"prose", "Sure! [{\"type\":\"action\"}]", 1, false},
		{"no actions key", `{"foo":1}`, 0, true},
		{"garbage", "nope", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseActions(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSplitIntent(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"light.turn_on", true},
		{"turn_on", false},
		{".turn_on", false},
		{"light.", false},
		{"a.b.c", false},
	}
	for _, tt := range tests {
		if _, _, ok := splitIntent(tt.in); ok != tt.ok {
			t.Errorf("splitIntent(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
	}
}
