package engine

import (
	"github.com/pmezard/go-difflib/difflib"
)

// DiffScripts returns a unified diff between a previously applied script
// and a freshly accumulated one. It is empty when they are equal.
func DiffScripts(name, previous, current string) (string, error) {
	if previous == current {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: name + " (applied)",
		ToFile:   name + " (planned)",
		Context:  2,
	})
}
