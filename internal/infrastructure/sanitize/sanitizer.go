// Package sanitize normalizes MCP tool input schemas inside request packets
// before protobuf encoding. The upstream rejects schemas with empty values or
// properties lacking type/description.
package sanitize

import "strings"

const defaultSchemaURI = "http://json-schema.org/draft-07/schema#"

// PacketToolSchemas 清洗请求包内 mcp_context.tools[*].input_schema
// Deep-cleans empty values, enforces per-property type and description, and
// special-cases headers objects. The packet itself is cleaned too. Returns a
// new value; the input is not modified.
func PacketToolSchemas(body map[string]any) map[string]any {
	cleaned, ok := deepClean(body).(map[string]any)
	if !ok {
		return body
	}

	roots := []map[string]any{}
	if jd, ok := cleaned["json_data"].(map[string]any); ok {
		roots = append(roots, jd)
	}
	roots = append(roots, cleaned)

	for _, root := range roots {
		mcpCtx, ok := root["mcp_context"].(map[string]any)
		if !ok {
			continue
		}
		tools, ok := mcpCtx["tools"].([]any)
		if !ok {
			continue
		}
		fixed := make([]any, 0, len(tools))
		for _, tool := range tools {
			toolMap, ok := tool.(map[string]any)
			if !ok {
				fixed = append(fixed, tool)
				continue
			}
			toolCopy := make(map[string]any, len(toolMap))
			for k, v := range toolMap {
				toolCopy[k] = v
			}
			schema, _ := toolCopy["input_schema"].(map[string]any)
			if schema == nil {
				schema, _ = toolCopy["inputSchema"].(map[string]any)
			}
			if schema != nil {
				sanitized := JSONSchema(schema)
				toolCopy["input_schema"] = sanitized
				if _, has := toolCopy["inputSchema"]; has {
					toolCopy["inputSchema"] = sanitized
				}
			}
			if c, ok := deepClean(toolCopy).(map[string]any); ok {
				fixed = append(fixed, c)
			}
		}
		mcpCtx["tools"] = fixed
	}
	return cleaned
}

// JSONSchema sanitizes a single JSON Schema object: deep-clean, default the
// $schema URI, object type when properties exist, fix each property and
// prune required entries that no longer resolve.
func JSONSchema(schema map[string]any) map[string]any {
	s, ok := deepClean(schema).(map[string]any)
	if !ok {
		s = map[string]any{}
	}

	if _, hasProps := s["properties"]; hasProps {
		if _, isStr := s["type"].(string); !isStr {
			s["type"] = "object"
		}
	}

	if v, has := s["$schema"]; has {
		if _, isStr := v.(string); !isStr {
			delete(s, "$schema")
		}
	}
	if _, has := s["$schema"]; !has {
		s["$schema"] = defaultSchemaURI
	}

	properties, _ := s["properties"].(map[string]any)
	if properties != nil {
		fixed := make(map[string]any, len(properties))
		for name, sub := range properties {
			subMap, _ := sub.(map[string]any)
			fixed[name] = propertySchema(name, subMap)
		}
		s["properties"] = fixed
		properties = fixed
	}

	if req, ok := s["required"].([]any); ok {
		var kept []any
		if properties != nil {
			for _, r := range req {
				if name, isStr := r.(string); isStr {
					if _, exists := properties[name]; exists {
						kept = append(kept, name)
					}
				}
			}
		}
		if len(kept) > 0 {
			s["required"] = kept
		} else {
			delete(s, "required")
		}
	}

	if ap, ok := s["additionalProperties"].(map[string]any); ok && len(ap) == 0 {
		delete(s, "additionalProperties")
	}
	return s
}

// propertySchema fixes a single property: enforced type/description plus
// the headers special case.
func propertySchema(name string, schema map[string]any) map[string]any {
	prop, ok := deepClean(schema).(map[string]any)
	if !ok || prop == nil {
		prop = map[string]any{}
	}

	if t, isStr := prop["type"].(string); !isStr || strings.TrimSpace(t) == "" {
		prop["type"] = inferType(name)
	}
	if d, isStr := prop["description"].(string); !isStr || strings.TrimSpace(d) == "" {
		prop["description"] = name + " parameter"
	}

	if strings.ToLower(name) == "headers" {
		prop["type"] = "object"
		headerProps, _ := prop["properties"].(map[string]any)
		if cleaned, ok := deepClean(headerProps).(map[string]any); ok {
			headerProps = cleaned
		} else {
			headerProps = map[string]any{}
		}
		if len(headerProps) == 0 {
			headerProps = map[string]any{
				"user-agent": map[string]any{
					"type":        "string",
					"description": "User-Agent header for the request",
				},
			}
		} else {
			fixedHeaders := make(map[string]any, len(headerProps))
			for hk, hv := range headerProps {
				sub, _ := hv.(map[string]any)
				subClean, ok := deepClean(sub).(map[string]any)
				if !ok || subClean == nil {
					subClean = map[string]any{}
				}
				if t, isStr := subClean["type"].(string); !isStr || strings.TrimSpace(t) == "" {
					subClean["type"] = "string"
				}
				if d, isStr := subClean["description"].(string); !isStr || strings.TrimSpace(d) == "" {
					subClean["description"] = hk + " header"
				}
				fixedHeaders[hk] = subClean
			}
			headerProps = fixedHeaders
		}
		prop["properties"] = headerProps

		if req, ok := prop["required"].([]any); ok {
			var kept []any
			for _, r := range req {
				if s, isStr := r.(string); isStr {
					if _, exists := headerProps[s]; exists {
						kept = append(kept, s)
					}
				}
			}
			if len(kept) > 0 {
				prop["required"] = kept
			} else {
				delete(prop, "required")
			}
		}
		if ap, ok := prop["additionalProperties"].(map[string]any); ok && len(ap) == 0 {
			delete(prop, "additionalProperties")
		}
	}
	return prop
}

func inferType(propName string) string {
	switch strings.ToLower(propName) {
	case "url", "uri", "href", "link":
		return "string"
	case "headers", "options", "params", "payload", "data":
		return "object"
	default:
		return "string"
	}
}

func isEmptyValue(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(tv) == ""
	case []any:
		return len(tv) == 0
	case map[string]any:
		return len(tv) == 0
	}
	return false
}

// deepClean removes empty strings, lists and maps recursively and trims
// string values.
func deepClean(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(tv))
		for k, sub := range tv {
			cv := deepClean(sub)
			if isEmptyValue(cv) {
				continue
			}
			cleaned[k] = cv
		}
		return cleaned
	case []any:
		cleaned := make([]any, 0, len(tv))
		for _, item := range tv {
			cv := deepClean(item)
			if isEmptyValue(cv) {
				continue
			}
			cleaned = append(cleaned, cv)
		}
		return cleaned
	case string:
		return strings.TrimSpace(tv)
	default:
		return v
	}
}
