package naming

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jinzhu/inflection"
)

// Config customizes inflection. Override keys match case-insensitively and a
// capitalized input keeps its capital: {"status": "statuses"} turns "Status"
// into "Statuses".
type Config struct {
	PluralOverrides   map[string]string `mapstructure:"plural_overrides"`
	SingularOverrides map[string]string `mapstructure:"singular_overrides"`
}

// DefaultConfig returns a Config with empty override maps.
func DefaultConfig() Config {
	return Config{
		PluralOverrides:   make(map[string]string),
		SingularOverrides: make(map[string]string),
	}
}

// Pluralize returns the plural of word.
func (n *Namer) Pluralize(word string) string {
	return inflect(word, n.config.PluralOverrides, inflection.Plural)
}

// Singularize returns the singular of word.
func (n *Namer) Singularize(word string) string {
	return inflect(word, n.config.SingularOverrides, inflection.Singular)
}

func inflect(word string, overrides map[string]string, fallback func(string) string) string {
	if v, ok := overrides[word]; ok {
		return v
	}
	for k, v := range overrides {
		if strings.EqualFold(k, word) {
			return matchInitial(word, v)
		}
	}
	return fallback(word)
}

// matchInitial upper-cases the first letter of v when word starts with one.
func matchInitial(word, v string) string {
	w, _ := utf8.DecodeRuneInString(word)
	r, size := utf8.DecodeRuneInString(v)
	if !unicode.IsUpper(w) || unicode.IsUpper(r) {
		return v
	}
	return string(unicode.ToUpper(r)) + v[size:]
}
