package sqlexpr

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Aliases hands out table aliases that are unique across one compiled query:
// the first request for "Gear" yields "g", later ones "g0", "g1", ...
type Aliases struct {
	used map[string]int
}

// NewAliases returns an empty generator.
func NewAliases() *Aliases {
	return &Aliases{used: make(map[string]int)}
}

// Next returns a fresh alias derived from name.
func (a *Aliases) Next(name string) string {
	base := "t"
	if r, _ := utf8.DecodeRuneInString(name); r != utf8.RuneError && unicode.IsLetter(r) {
		base = strings.ToLower(string(r))
	}
	n, seen := a.used[base]
	a.used[base] = n + 1
	if !seen {
		return base
	}
	return base + strconv.Itoa(n-1)
}
