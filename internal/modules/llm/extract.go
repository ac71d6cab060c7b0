package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Models wrap JSON in prose, markdown fences, or stray text. Extraction
// tries three stages in order: parse the whole response, parse the first
// fenced code block, then scan for the first balanced bracket run.

var (
	arrayFencePattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")
	objectFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// ExtractJSONArray pulls a JSON array of objects out of model output.
// Returns nil when no stage yields a parseable array; non-object elements
// are dropped.
func ExtractJSONArray(text string) []map[string]any {
	if arr := decodeObjectArray(strings.TrimSpace(text)); arr != nil {
		return arr
	}
	if m := arrayFencePattern.FindStringSubmatch(text); m != nil {
		if arr := decodeObjectArray(m[1]); arr != nil {
			return arr
		}
	}
	if candidate := balancedSlice(text, '[', ']'); candidate != "" {
		return decodeObjectArray(candidate)
	}
	return nil
}

// ExtractJSONObject pulls a single JSON object out of model output.
// Returns nil when no stage yields a parseable object.
func ExtractJSONObject(text string) map[string]any {
	if obj := decodeObject(strings.TrimSpace(text)); obj != nil {
		return obj
	}
	if m := objectFencePattern.FindStringSubmatch(text); m != nil {
		if obj := decodeObject(m[1]); obj != nil {
			return obj
		}
	}
	if candidate := balancedSlice(text, '{', '}'); candidate != "" {
		return decodeObject(candidate)
	}
	return nil
}

func decodeObjectArray(s string) []map[string]any {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		var obj map[string]any
		if json.Unmarshal(r, &obj) == nil {
			out = append(out, obj)
		}
	}
	return out
}

func decodeObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// balancedSlice returns the first balanced bracket run, tracking string
// literals and escapes so brackets inside strings do not count. Bracket
// bytes are ASCII, so scanning bytes is safe in multi-byte text.
func balancedSlice(text string, opening, closing byte) string {
	start := strings.IndexByte(text, opening)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case opening:
			if !inString {
				depth++
			}
		case closing:
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
