package synthesizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```(\\w*)\\s*\\n(.+?)\\n```")

// ExtractJSON pulls a JSON object or array out of an LLM reply.
// Fenced code blocks are tried first, then the first bracketed span
// in the raw text.
func ExtractJSON(reply string) (string, error) {
	for _, match := range fencePattern.FindAllStringSubmatch(reply, -1) {
		lang := strings.ToLower(match[1])
		if lang != "" && lang != "json" {
			continue
		}
		body := strings.TrimSpace(match[2])
		if validJSON(body) {
			return body, nil
		}
	}

	if body, ok := rawJSONSpan(reply); ok {
		return body, nil
	}
	return "", fmt.Errorf("no JSON found in model reply")
}

// rawJSONSpan finds the first balanced {...} or [...] span.
func rawJSONSpan(reply string) (string, bool) {
	objAt := strings.IndexByte(reply, '{')
	arrAt := strings.IndexByte(reply, '[')

	start, closer := objAt, byte('}')
	if start < 0 || (arrAt >= 0 && arrAt < start) {
		start, closer = arrAt, ']'
	}
	if start < 0 {
		return "", false
	}

	span := balancedSpan(reply[start:], closer)
	if span != "" && validJSON(span) {
		return span, true
	}
	return "", false
}

// balancedSpan scans for the bracket matching s[0], honoring string
// literals and escapes.
func balancedSpan(s string, closer byte) string {
	opener := s[0]
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

func validJSON(s string) bool {
	var raw json.RawMessage
	return json.Unmarshal([]byte(s), &raw) == nil
}

// DecodeJSON extracts JSON from reply and unmarshals it into out.
func DecodeJSON(reply string, out any) error {
	body, err := ExtractJSON(reply)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}
