package search

import "strings"

// escapeWildcard neutralizes the engine's wildcard metacharacters in user
// input so a query like "50%? off*" searches for those literal characters.
// Backslash goes first or it would re-escape the escapes.
func escapeWildcard(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`*`, `\*`,
		`?`, `\?`,
	)
	return r.Replace(s)
}

// buildSearchBody assembles the scoped substring query: an exact term filter
// pins the chat, and a case-insensitive wildcard runs the substring match
// over the whole body value.
func buildSearchBody(chatID int64, q string, size int) map[string]any {
	pattern := "*" + escapeWildcard(strings.ToLower(q)) + "*"
	return map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"chat_id": chatID}},
				},
				"must": []any{
					map[string]any{"wildcard": map[string]any{
						"body": map[string]any{
							"value":            pattern,
							"case_insensitive": true,
						},
					}},
				},
			},
		},
		"size":    size,
		"_source": []string{"number", "body"},
	}
}
