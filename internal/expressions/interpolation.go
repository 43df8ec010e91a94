package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Interpolate replaces every {{a.b.c}} placeholder in template with the value
// found at that dotted path inside ctx. Missing or null values resolve to the
// empty string; maps and slices are inserted as JSON. An unclosed {{ is
// copied through verbatim.
func Interpolate(template string, ctx map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}
		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if path != "" {
			result.WriteString(Stringify(Lookup(ctx, path)))
		}
		i = end + 2
	}

	return result.String()
}

// Lookup walks a dotted path through nested maps and slices. Numeric segments
// index into slices. It returns nil when any segment is missing.
func Lookup(root map[string]any, path string) any {
	if root == nil || path == "" {
		return nil
	}
	var current any = root
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil
			}
			current = next
		case map[string]string:
			next, ok := v[part]
			if !ok {
				return nil
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

// Stringify renders a resolved value as interpolation text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case map[string]any, []any, map[string]string, []string:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}
