// Package llmutil contains helpers for digging structured data out of
// free-form model responses.
package llmutil

import (
	"encoding/json"
	"strings"

	"github.com/codegrove/appforge/internal/fault"
)

// ExtractJSON locates and decodes a JSON document inside a model response.
// It tries, in order: a fenced ```json block, the first balanced {...}
// object, the first balanced [...] array. Anything else is a ParseFailure.
func ExtractJSON(content string) (any, error) {
	raw, err := ExtractRawJSON(content)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fault.Wrap(fault.KindParseFailure, err, "response is not valid JSON")
	}
	return v, nil
}

// ExtractRawJSON returns the JSON text without decoding it.
func ExtractRawJSON(content string) (string, error) {
	if fenced, ok := fencedBlock(content); ok {
		return fenced, nil
	}
	if obj, ok := balanced(content, '{', '}'); ok {
		return obj, nil
	}
	if arr, ok := balanced(content, '[', ']'); ok {
		return arr, nil
	}
	return "", fault.New(fault.KindParseFailure, "no JSON document found in response")
}

// StripCodeFence removes a single surrounding markdown code fence, with or
// without a language tag. Content without a fence is returned trimmed.
func StripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// Drop the opening fence line (``` or ```lang).
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return strings.TrimSpace(strings.TrimPrefix(s, "```"))
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func fencedBlock(content string) (string, bool) {
	lower := strings.ToLower(content)
	start := strings.Index(lower, "```json")
	if start < 0 {
		return "", false
	}
	rest := content[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// balanced scans for the first top-level open..close span, skipping brackets
// inside string literals.
func balanced(content string, open, close byte) (string, bool) {
	start := strings.IndexByte(content, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	return "", false
}
