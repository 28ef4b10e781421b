package frontmatter

import "strings"

// Merge deep-merges srcs into a fresh map, later sources winning. Nested
// maps are merged recursively; every other value (slices included) is
// replaced.
func Merge(srcs ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, src := range srcs {
		mergeInto(out, src)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		if !srcIsMap {
			dst[k] = v
			continue
		}
		dstMap, dstIsMap := dst[k].(map[string]any)
		if !dstIsMap {
			dstMap = map[string]any{}
		}
		mergeInto(dstMap, srcMap)
		dst[k] = dstMap
	}
}

// Shallow copies the top level keys of srcs into a fresh map.
func Shallow(srcs ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, src := range srcs {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

// Lookup reads a dotted path ("config.model").
func Lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String reads a dotted path as a string.
func String(m map[string]any, path string) string {
	v, ok := Lookup(m, path)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Map reads a dotted path as a nested map.
func Map(m map[string]any, path string) map[string]any {
	v, _ := Lookup(m, path)
	mm, _ := v.(map[string]any)
	return mm
}

// Set writes value at a dotted path, creating intermediate maps.
func Set(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// OptionsUnder collects flat keys such as "body.max_tokens" into a map
// keyed by the remainder after prefix ("body.").
func OptionsUnder(prefix string, fm map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range fm {
		if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
			Set(out, strings.TrimPrefix(k, prefix), v)
		}
	}
	return out
}

// Compat folds legacy flat keys into the namespaced layout the request
// formatter reads: config, bodyParams, reqParams, PromptInfo, custom_body
// and custom_header. templatePath is recorded when non-empty.
func Compat(fm map[string]any, templatePath string) map[string]any {
	out := Shallow(fm)

	out["PromptInfo"] = Shallow(fm, Map(fm, "PromptInfo"))

	config := Shallow(fm, Map(fm, "config"))
	delete(config, "config")
	delete(config, "PromptInfo")
	if v := first(fm, "choices", "path_to_choices"); v != nil {
		config["path_to_choices"] = v
	}
	if v := first(fm, "pathToContent", "path_to_message_content"); v != nil {
		config["path_to_message_content"] = v
	}
	out["config"] = config

	if v := first(fm, "body", "custom_body"); v != nil {
		out["custom_body"] = v
	}
	if v := first(fm, "headers", "custom_header"); v != nil {
		out["custom_header"] = v
	}

	body := Shallow(Map(fm, "bodyParams"))
	if v, ok := fm["max_tokens"]; ok && v != nil {
		body["max_tokens"] = v
	}
	body = Merge(body, OptionsUnder("body.", fm))
	out["bodyParams"] = body

	req := Merge(Map(fm, "reqParams"), OptionsUnder("reqParams.", fm))
	if v, ok := fm["body"]; ok && v != nil {
		req["body"] = v
	}
	out["reqParams"] = req

	if templatePath != "" {
		out["templatePath"] = templatePath
	}
	return out
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
