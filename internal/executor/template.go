package executor

import (
	"regexp"

	"github.com/kalambet/gentable/internal/table"
)

// AbsentMarker is substituted for references to columns the row does not
// carry. It is deliberately distinguishable from a genuinely empty value so
// prompt logic can degrade instead of failing.
const AbsentMarker = "[absent]"

var templateRef = regexp.MustCompile(`\$\{([A-Za-z0-9][A-Za-z0-9 _-]*)\}`)

// Render resolves ${column-id} references in a prompt template against the
// row's cells. Missing columns substitute AbsentMarker.
func Render(template string, cells map[string]table.Cell) string {
	return templateRef.ReplaceAllStringFunc(template, func(ref string) string {
		id := ref[2 : len(ref)-1]
		cell, ok := cells[id]
		if !ok {
			return AbsentMarker
		}
		return cell.Value
	})
}
