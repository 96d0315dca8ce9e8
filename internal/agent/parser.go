package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var errNoJSONObject = errors.New("no JSON object in response")

// rolePrefix matches a leaked speaker label at the start of model output,
// e.g. "assistant\n" or "Assistant: ".
var rolePrefix = regexp.MustCompile(`^(?i:assistant)(?::[ \t]*\n?|[ \t]*\n)`)

// stripRolePrefix removes a leading speaker label some local models emit.
func stripRolePrefix(content string) string {
	if loc := rolePrefix.FindStringIndex(content); loc != nil {
		return strings.TrimSpace(content[loc[1]:])
	}
	return content
}

// extractJSONObject returns the first JSON object found in model output.
// Prose, code fences and a role label around the object are tolerated.
// Invalid string escapes such as \% are repaired before giving up.
func extractJSONObject(content string) (map[string]any, error) {
	content = stripRolePrefix(strings.TrimSpace(content))
	if obj := firstObject(content); obj != nil {
		return obj, nil
	}
	if fixed := sanitizeJSONEscapes(content); fixed != content {
		if obj := firstObject(fixed); obj != nil {
			return obj, nil
		}
	}
	return nil, errNoJSONObject
}

// firstObject decodes from each '{' in turn. The decoder stops after one
// value, so trailing prose or a closing fence is ignored.
func firstObject(s string) map[string]any {
	for off := 0; off < len(s); {
		i := strings.IndexByte(s[off:], '{')
		if i < 0 {
			return nil
		}
		off += i
		var obj map[string]any
		if err := json.NewDecoder(strings.NewReader(s[off:])).Decode(&obj); err == nil && obj != nil {
			return obj
		}
		off++
	}
	return nil
}

// sanitizeJSONEscapes drops the backslash from escapes JSON does not define.
func sanitizeJSONEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
		case c == '\\' && quoted && i+1 < len(s):
			if strings.IndexByte(`"\/bfnrtu`, s[i+1]) >= 0 {
				b.WriteByte(c)
				b.WriteByte(s[i+1])
			} else {
				b.WriteByte(s[i+1])
			}
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
