package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// thinkTagPattern matches a leading <think>...</think> block emitted by reasoning models.
var thinkTagPattern = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)

// codeFencePattern captures the body of the first ``` or ```json fenced block.
var codeFencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n(.*?)```")

// ExtractJSON pulls a JSON object out of a chat response. Models often wrap
// the object in a fenced block or surround it with prose; the first balanced
// object that parses wins.
func ExtractJSON(response string) (string, error) {
	cleaned := thinkTagPattern.ReplaceAllString(response, "")

	candidates := make([]string, 0, 2)
	if m := codeFencePattern.FindStringSubmatch(cleaned); len(m) == 2 {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, cleaned)

	for _, candidate := range candidates {
		if obj, ok := firstObject(candidate); ok {
			return obj, nil
		}
	}

	return "", fmt.Errorf("no JSON object found in response")
}

// firstObject scans s for balanced {...} spans and returns the first valid one.
func firstObject(s string) (string, bool) {
	for offset := 0; offset < len(s); {
		start := strings.IndexByte(s[offset:], '{')
		if start < 0 {
			return "", false
		}
		start += offset

		end := matchingBrace(s, start)
		if end < 0 {
			return "", false
		}
		if obj := s[start : end+1]; json.Valid([]byte(obj)) {
			return obj, true
		}
		offset = start + 1
	}
	return "", false
}

// matchingBrace returns the index of the '}' closing the '{' at start, or -1.
// Braces inside string literals are ignored.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ParseJSONResponse extracts the JSON object from a response and unmarshals it into T.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	obj, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return result, nil
}
