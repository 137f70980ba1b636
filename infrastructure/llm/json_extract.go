package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// errNoJSON reports text without any balanced, valid JSON value.
var errNoJSON = errors.New("no JSON found")

// ExtractJSON returns the first balanced JSON object or array in text that
// parses as valid JSON. Code fences and surrounding prose are skipped over
// naturally, since scanning starts at the first bracket. Brackets inside
// string literals, including escaped quotes, do not affect the balance.
func ExtractJSON(text string) (string, bool) {
	candidates := jsonCandidates(text)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0], true
}

// DecodeJSON decodes the first JSON value in text that fits out, which must
// be a non-nil pointer. Valid values that do not fit, such as a bracketed
// citation before the real payload, are skipped. out is only written on
// success.
func DecodeJSON(text string, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", out)
	}

	candidates := jsonCandidates(text)
	if len(candidates) == 0 {
		return errNoJSON
	}

	var firstErr error
	for _, candidate := range candidates {
		fresh := reflect.New(rv.Elem().Type())
		if err := json.Unmarshal([]byte(candidate), fresh.Interface()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rv.Elem().Set(fresh.Elem())
		return nil
	}
	return firstErr
}

// jsonCandidates returns the top-level balanced JSON values in text, in
// order. Scanning resumes after each valid value, so values nested inside
// one are not returned on their own.
func jsonCandidates(text string) []string {
	text = strings.TrimSpace(text)

	var out []string
	for start := 0; start < len(text); start++ {
		c := text[start]
		if c != '{' && c != '[' {
			continue
		}

		end := matchingBracket(text, start)
		if end < 0 {
			continue
		}

		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			out = append(out, candidate)
			start = end
		}
	}
	return out
}

// matchingBracket returns the index of the bracket closing the one at
// start, or -1 when the input ends first or brackets are mismatched.
func matchingBracket(text string, start int) int {
	stack := make([]byte, 0, 8)
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

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
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}

	return -1
}
