package translator

// The upstream accepts a narrow JSON-schema dialect. Keywords outside it make
// the whole request fail validation, so tool schemas are rewritten before
// they go out.

var unsupportedSchemaKeywords = map[string]bool{
	"$schema":               true,
	"$id":                   true,
	"$ref":                  true,
	"$defs":                 true,
	"definitions":           true,
	"additionalProperties":  true,
	"patternProperties":     true,
	"propertyNames":         true,
	"unevaluatedProperties": true,
	"uniqueItems":           true,
	"const":                 true,
	"contentEncoding":       true,
	"contentMediaType":      true,
	"examples":              true,
	"exclusiveMinimum":      true,
	"exclusiveMaximum":      true,
}

// CleanSchema rewrites a tool's JSON schema in place to the upstream subset:
// unsupported keywords are dropped and type arrays collapse to their primary
// (first non-null) entry. The input map is returned for chaining.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	for key := range unsupportedSchemaKeywords {
		delete(schema, key)
	}

	if t, ok := schema["type"].([]interface{}); ok {
		schema["type"] = primaryType(t)
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for name, sub := range props {
			if subSchema, ok := sub.(map[string]interface{}); ok {
				props[name] = CleanSchema(subSchema)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		schema["items"] = CleanSchema(items)
	}
	for _, branch := range []string{"anyOf", "oneOf", "allOf"} {
		list, ok := schema[branch].([]interface{})
		if !ok {
			continue
		}
		for i, sub := range list {
			if subSchema, ok := sub.(map[string]interface{}); ok {
				list[i] = CleanSchema(subSchema)
			}
		}
	}
	return schema
}

func primaryType(types []interface{}) string {
	for _, t := range types {
		if s, ok := t.(string); ok && s != "null" {
			return s
		}
	}
	return "string"
}
