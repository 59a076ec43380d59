package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.-]*)\s*\}\}`)

// Interpolate replaces {{dot.path}} placeholders in template with values from
// payload. Substitution is a single pass: substituted values are never
// re-scanned, so payload data cannot inject further placeholders. An
// unresolvable path leaves the token verbatim.
func Interpolate(template string, payload map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(token string) string {
		path := placeholderRe.FindStringSubmatch(token)[1]
		val, ok := Lookup(payload, path)
		if !ok {
			return token
		}
		return stringify(val)
	})
}

// Lookup walks dot-separated keys through nested maps. Shared with the
// condition poller's extract_path.
func Lookup(payload map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = payload
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without a decimal.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
