// Package phonenumber cleans E.164 numbers and reconciles the Mexican
// +52/+521 ambiguity against directory results.
package phonenumber

import (
	"strconv"
)

// Valid reports whether n looks like a routable E.164 number: a leading
// '+', a non-zero first digit, and only digits after it.
func Valid(n string) bool {
	if len(n) < 2 || n[0] != '+' || n[1] == '0' {
		return false
	}
	digits := n[1:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	return err == nil && v > 0
}

// Sanitize returns the valid numbers of in as a set.
func Sanitize(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, n := range in {
		if Valid(n) {
			out[n] = struct{}{}
		}
	}
	return out
}
