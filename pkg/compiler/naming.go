package compiler

import (
	"strings"
	"unicode"
)

// SnakeCase converts an API name to its column form: lower snake_case with
// underscores inserted at case boundaries. Already-snake names pass through.
func SnakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// boundary unless the previous rune was upper or an underscore
			if i > 0 && runes[i-1] != '_' && !unicode.IsUpper(runes[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TableName derives the physical table for an entity.
func TableName(entityName string) string {
	return "ent_" + SnakeCase(entityName)
}
