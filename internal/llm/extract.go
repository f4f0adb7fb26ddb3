package llm

import "strings"

// ExtractJSON trims the wrapping some models put around JSON output:
// markdown code fences and <json>...</json> style tags. The result is
// the first balanced-looking JSON document in content, or the trimmed
// content when nothing better is found.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}

	if start := strings.Index(content, "```"); start != -1 {
		rest := content[start+3:]
		// Drop an info string such as "json".
		if nl := strings.IndexByte(rest, '\n'); nl != -1 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	if start := strings.Index(content, "<json>"); start != -1 {
		rest := content[start+len("<json>"):]
		if end := strings.Index(rest, "</json>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	// Skip any prose before the document.
	first := strings.IndexAny(content, "[{")
	if first == -1 {
		return content
	}
	closer := byte('}')
	if content[first] == '[' {
		closer = ']'
	}
	last := strings.LastIndexByte(content, closer)
	if last < first {
		return content[first:]
	}
	return content[first : last+1]
}
