// Package frontmatter parses YAML document headers and provides the map
// helpers used to layer them into request parameters.
package frontmatter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var headerRe = regexp.MustCompile(`(?s)\A\s*---\r?\n(.*?)\r?\n---[ \t]*(?:\r?\n|\z)`)

// Split separates a leading YAML block from the body. A document without
// front matter yields a nil map and the input unchanged.
func Split(raw string) (map[string]any, string, error) {
	m := headerRe.FindStringSubmatchIndex(raw)
	if m == nil {
		return nil, raw, nil
	}

	header := raw[m[2]:m[3]]
	body := raw[m[1]:]

	fm := map[string]any{}
	if strings.TrimSpace(header) != "" {
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, body, fmt.Errorf("invalid front matter: %w", err)
		}
	}
	return fm, body, nil
}

// Strip removes the front matter block, keeping the body.
func Strip(raw string) string {
	m := headerRe.FindStringIndex(raw)
	if m == nil {
		return raw
	}
	return raw[m[1]:]
}

// Parse returns only the front matter of raw.
func Parse(raw string) (map[string]any, error) {
	fm, _, err := Split(raw)
	return fm, err
}

// ignored lists keys that are configuration rather than note metadata.
var ignored = map[string]bool{
	"PromptInfo":         true,
	"config":             true,
	"bodyParams":         true,
	"reqParams":          true,
	"custom_body":        true,
	"custom_header":      true,
	"templatePath":       true,
	"outputToBlockQuote": true,
	"append":             true,
	"messages":           true,
	"system":             true,
	"mode":               true,
	"output":             true,
	"disableProvider":    true,
}

// Clean drops configuration keys, leaving the note's own metadata.
func Clean(fm map[string]any) map[string]any {
	out := make(map[string]any, len(fm))
	for k, v := range fm {
		if !ignored[k] {
			out[k] = v
		}
	}
	return out
}

// MetadataString flattens front matter into "key : value" lines. Nested
// objects, dotted keys and body/header keys are skipped.
func MetadataString(fm map[string]any) string {
	keys := make([]string, 0, len(fm))
	for k := range fm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		value := fm[key]
		if isEmpty(value) || strings.Contains(key, ".") || ignored[key] ||
			strings.HasPrefix(key, "body") || strings.HasPrefix(key, "header") {
			continue
		}
		switch v := value.(type) {
		case []any:
			sb.WriteString(key)
			sb.WriteString(" : ")
			for _, item := range v {
				fmt.Fprintf(&sb, "%v, ", item)
			}
			sb.WriteString("\n")
		case map[string]any:
			continue
		default:
			fmt.Fprintf(&sb, "%s : %v \n", key, v)
		}
	}
	return sb.String()
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case int:
		return x == 0
	case float64:
		return x == 0
	}
	return false
}
