package pipe

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// foldKey normalizes a lookup key: NFC always, case folding unless caseSensitive.
// A Caser holds state, so a fresh one is used per call.
func foldKey(s string, caseSensitive bool) string {
	s = norm.NFC.String(s)
	if caseSensitive {
		return s
	}
	return cases.Fold().String(s)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
