package phonenumber

import (
	"strings"

	"github.com/google/uuid"
)

// InputResult is the candidate set for a directory query plus the
// generated alternate of each original number.
type InputResult struct {
	Numbers map[string]struct{}
	Fuzzies map[string]string // original -> alternate
}

// OutputResult is the registered set after fuzzy alternates were folded
// back, with the rewrites to apply to stored numbers.
type OutputResult struct {
	Numbers  map[string]uuid.UUID
	Rewrites map[string]string // old -> new
}

// Mexican mobile numbers were dialled with a "1" after the country code
// until 2019; both forms may still be registered.
func mx(n string) bool {
	return strings.HasPrefix(n, "+52") && (len(n) == 13 || len(n) == 14)
}

func mxHas1(n string) bool {
	return strings.HasPrefix(n, "+521") && len(n) == 14
}

func mxMissing1(n string) bool {
	return strings.HasPrefix(n, "+52") && !strings.HasPrefix(n, "+521") && len(n) == 13
}

func mxAdd1(n string) string    { return "+521" + n[3:] }
func mxRemove1(n string) string { return "+52" + n[4:] }

// Alternate returns the other form of a Mexican number, if n has one.
func Alternate(n string) (string, bool) {
	switch {
	case mxMissing1(n):
		return mxAdd1(n), true
	case mxHas1(n):
		return mxRemove1(n), true
	}
	return "", false
}

// GenerateInput adds the alternate form of every ambiguous test number
// unless that form is already stored locally or already a candidate.
func GenerateInput(test, stored []string) InputResult {
	res := InputResult{
		Numbers: make(map[string]struct{}, len(test)),
		Fuzzies: map[string]string{},
	}
	for _, n := range test {
		res.Numbers[n] = struct{}{}
	}
	storedSet := make(map[string]struct{}, len(stored))
	for _, n := range stored {
		storedSet[n] = struct{}{}
	}

	for _, n := range test {
		if !mx(n) {
			continue
		}
		alt, ok := Alternate(n)
		if !ok {
			continue
		}
		if _, isStored := storedSet[alt]; isStored {
			continue
		}
		if _, present := res.Numbers[alt]; present {
			continue
		}
		res.Numbers[alt] = struct{}{}
		res.Fuzzies[n] = alt
	}
	return res
}

// GenerateOutput folds fuzzy alternates back into canonical numbers. When
// both forms are registered the "+521" form wins; when only the alternate
// is registered the original is rewritten to it.
func GenerateOutput(registered map[string]uuid.UUID, in InputResult) OutputResult {
	res := OutputResult{
		Numbers:  make(map[string]uuid.UUID, len(registered)),
		Rewrites: map[string]string{},
	}
	for n, id := range registered {
		res.Numbers[n] = id
	}

	for orig, alt := range in.Fuzzies {
		_, origReg := registered[orig]
		_, altReg := registered[alt]
		switch {
		case origReg && altReg:
			if mxHas1(orig) {
				res.Rewrites[alt] = orig
				delete(res.Numbers, alt)
			} else {
				res.Rewrites[orig] = alt
				delete(res.Numbers, orig)
			}
		case altReg:
			res.Rewrites[orig] = alt
			delete(res.Numbers, orig)
		}
	}
	return res
}
