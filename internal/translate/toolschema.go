package translate

import (
	"strings"

	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// The two dialects disagree on JSON-schema type token casing: OpenAI uses
// lowercase ("object", "string"), Gemini uses uppercase ("OBJECT",
// "STRING"). Translating a tool definition recursively maps every "type"
// string in its parameter schema to the opposite case.

// toFunctionDeclarations converts an OpenAI tool list into Gemini
// functionDeclarations, uppercasing schema type tokens. Entries that are
// not objects are skipped.
func toFunctionDeclarations(tools []any) []any {
	decls := make([]any, 0, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		decl := map[string]any{
			"name": rtevent.StringField(tool, "name"),
		}
		if desc := rtevent.StringField(tool, "description"); desc != "" {
			decl["description"] = desc
		}
		if params := rtevent.MapField(tool, "parameters"); params != nil {
			decl["parameters"] = mapSchemaTypes(params, strings.ToUpper)
		}
		decls = append(decls, decl)
	}
	return decls
}

// flattenFunctionDeclarations converts Gemini tools (each wrapping a
// functionDeclarations list) into the flat OpenAI tool list, lowercasing
// schema type tokens.
func flattenFunctionDeclarations(tools []any) []any {
	var out []any
	for _, raw := range tools {
		wrapper, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, d := range rtevent.SliceField(wrapper, "functionDeclarations") {
			decl, ok := d.(map[string]any)
			if !ok {
				continue
			}
			tool := map[string]any{
				"type": "function",
				"name": rtevent.StringField(decl, "name"),
			}
			if desc := rtevent.StringField(decl, "description"); desc != "" {
				tool["description"] = desc
			}
			if params := rtevent.MapField(decl, "parameters"); params != nil {
				tool["parameters"] = mapSchemaTypes(params, strings.ToLower)
			}
			out = append(out, tool)
		}
	}
	return out
}

// mapSchemaTypes returns a copy of schema with every "type" string value —
// at any nesting depth — transformed by caseFn. All other fields are copied
// through unchanged.
func mapSchemaTypes(schema map[string]any, caseFn func(string) string) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "type" {
			if s, ok := v.(string); ok {
				out[k] = caseFn(s)
				continue
			}
		}
		out[k] = mapSchemaTypesValue(v, caseFn)
	}
	return out
}

func mapSchemaTypesValue(v any, caseFn func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		return mapSchemaTypes(t, caseFn)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = mapSchemaTypesValue(e, caseFn)
		}
		return out
	default:
		return v
	}
}
