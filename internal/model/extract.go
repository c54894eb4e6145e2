package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"flowforge/internal/logging"
)

// ExtractJSON coerces model output into a JSON object. Strategies, in order:
//
//  1. parse the text as-is
//  2. strip Markdown code fences and retry
//  3. extract the span from the first '{' to the last '}' and parse
//  4. take the tail from the first '{', close unmatched brackets/braces
//     (truncated responses), and parse
//
// Only after all strategies miss does it fail, wrapping ErrParse.
func ExtractJSON(text string) (map[string]any, error) {
	lg := logging.Get(logging.CategoryModel)

	trimmed := strings.TrimSpace(text)
	if obj, ok := tryParse(trimmed); ok {
		return obj, nil
	}

	unfenced := stripFences(trimmed)
	if obj, ok := tryParse(unfenced); ok {
		lg.Debugw("JSON extracted after fence strip")
		return obj, nil
	}

	start := strings.Index(unfenced, "{")
	if start < 0 {
		return nil, fmt.Errorf("%w: no object found in %d-char response", ErrParse, len(text))
	}
	end := strings.LastIndex(unfenced, "}")
	if end > start {
		if obj, ok := tryParse(unfenced[start : end+1]); ok {
			lg.Debugw("JSON extracted from balanced span", "start", start, "end", end)
			return obj, nil
		}
	}

	repaired := closeTruncated(unfenced[start:])
	if obj, ok := tryParse(repaired); ok {
		lg.Debugw("JSON repaired from truncated response")
		return obj, nil
	}

	return nil, fmt.Errorf("%w: all strategies failed on %d-char response", ErrParse, len(text))
}

func tryParse(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// stripFences removes Markdown code fences around a JSON payload.
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		// Drop an optional language tag on the fence line.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && len(strings.TrimSpace(s[:nl])) <= 8 {
			s = s[nl+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// closeTruncated appends the closers a truncated object is missing. Brace and
// bracket counting ignores characters inside string literals.
func closeTruncated(s string) string {
	s = strings.TrimRight(s, " \t\r\n,")

	var braces, brackets int
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				braces++
			}
		case '}':
			if !inString {
				braces--
			}
		case '[':
			if !inString {
				brackets++
			}
		case ']':
			if !inString {
				brackets--
			}
		}
	}

	// A string cut off mid-literal needs its quote closed first.
	if inString {
		s += `"`
	}
	if brackets > 0 {
		s += strings.Repeat("]", brackets)
	}
	if braces > 0 {
		s += strings.Repeat("}", braces)
	}
	return s
}
