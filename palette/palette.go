// Package palette assigns display colors to threads.
package palette

import "otk-tracker/pkg/tracker"

// Fallback is reused once every palette color is taken.
const Fallback = "#808080"

// Colors is the fixed palette, in assignment order.
var Colors = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c",
	"#008080", "#9a6324", "#800000", "#000075",
}

// Next returns the first palette color not used by any thread in assigned.
func Next(assigned map[tracker.ThreadID]string) string {
	used := make(map[string]bool, len(assigned))
	for _, c := range assigned {
		used[c] = true
	}
	for _, c := range Colors {
		if !used[c] {
			return c
		}
	}
	return Fallback
}
