// Package canon maps raw ticker tokens and free-text mentions onto canonical asset ids.
package canon

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/irfndi/coin-rag/internal/utils"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// DefaultAliases is the built-in alias table keyed by canonical id.
var DefaultAliases = map[string][]string{
	"BTC":  {"BITCOIN"},
	"ETH":  {"ETHEREUM"},
	"XRP":  {},
	"SOL":  {"SOLANA"},
	"ADA":  {"CARDANO"},
	"BNB":  {"BINANCE"},
	"LTC":  {"LITECOIN"},
	"CRO":  {"CRONOS"},
	"XVG":  {"VERGE"},
	"ONDO": {},
}

const (
	// symbol after '$': one letter then 1..9 of letters, digits, '.' or '-'
	minSymbolTail = 1
	maxSymbolTail = 9
)

// Canonicalizer resolves tokens against a fixed alias table. It is immutable and safe for concurrent use.
type Canonicalizer struct {
	tokens map[string]string
	assets []string
	names  [][]rune
}

var defaultCanonicalizer = mustNew(DefaultAliases)

// Default returns the canonicalizer built from DefaultAliases.
func Default() *Canonicalizer {
	return defaultCanonicalizer
}

// Canonicalize resolves token with the default alias table.
func Canonicalize(token string) (string, bool) {
	return defaultCanonicalizer.Canonicalize(token)
}

// ExtractAssets finds assets mentioned in text with the default alias table.
func ExtractAssets(text string) []string {
	return defaultCanonicalizer.ExtractAssets(text)
}

func mustNew(aliases map[string][]string) *Canonicalizer {
	c, err := New(aliases)
	if err != nil {
		panic(err)
	}
	return c
}

// New builds a canonicalizer. Every canonical id is an alias of itself.
// An alias claimed by two assets is a validation error.
func New(aliases map[string][]string) (*Canonicalizer, error) {
	if len(aliases) == 0 {
		return nil, utils.NewValidationError("alias table is empty")
	}

	c := &Canonicalizer{tokens: make(map[string]string)}

	claim := func(alias, asset string) error {
		if owner, ok := c.tokens[alias]; ok && owner != asset {
			return utils.NewValidationErrorf("alias %q claimed by both %s and %s", alias, owner, asset)
		}
		c.tokens[alias] = asset
		return nil
	}

	ids := make([]string, 0, len(aliases))
	for raw := range aliases {
		ids = append(ids, raw)
	}
	sort.Strings(ids)

	for _, raw := range ids {
		asset := normalizeToken(raw)
		if asset == "" {
			return nil, utils.NewValidationErrorf("invalid canonical id %q", raw)
		}
		if err := claim(asset, asset); err != nil {
			return nil, err
		}
		c.assets = append(c.assets, asset)
		for _, a := range aliases[raw] {
			alias := normalizeToken(a)
			if alias == "" {
				return nil, utils.NewValidationErrorf("empty alias for %s", asset)
			}
			if err := claim(alias, asset); err != nil {
				return nil, err
			}
		}
	}

	for alias := range c.tokens {
		if isAlpha(alias) {
			c.names = append(c.names, []rune(alias))
		}
	}
	sort.Slice(c.names, func(i, j int) bool {
		if len(c.names[i]) != len(c.names[j]) {
			return len(c.names[i]) > len(c.names[j])
		}
		return string(c.names[i]) < string(c.names[j])
	})

	return c, nil
}

// LoadAliasFile reads a YAML map of canonical id to alias list.
func LoadAliasFile(path string) (*Canonicalizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias file: %w", err)
	}

	var aliases map[string][]string
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("failed to parse alias file %s: %w", path, err)
	}
	return New(aliases)
}

// Assets returns the canonical ids in sorted order.
func (c *Canonicalizer) Assets() []string {
	return append([]string(nil), c.assets...)
}

// Canonicalize maps a raw token (ticker, "$TICKER", or full name) to its canonical id.
func (c *Canonicalizer) Canonicalize(token string) (string, bool) {
	u := normalizeToken(token)
	if u == "" {
		return "", false
	}
	if asset, ok := c.tokens[u]; ok {
		return asset, true
	}
	if strings.HasPrefix(u, "$") {
		if asset, ok := c.tokens[u[1:]]; ok {
			return asset, true
		}
	}
	return "", false
}

// ExtractAssets returns the sorted, de-duplicated assets mentioned in text,
// either as "$SYMBOL" or as a whole-word alias in any case.
func (c *Canonicalizer) ExtractAssets(text string) []string {
	found := make(map[string]struct{})
	if text == "" {
		return []string{}
	}
	runes := []rune(text)

	for _, sym := range scanDollarSymbols(runes) {
		if asset, ok := c.Canonicalize(sym); ok {
			found[asset] = struct{}{}
		}
	}
	for _, name := range c.scanNames(runes) {
		if asset, ok := c.Canonicalize(name); ok {
			found[asset] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for asset := range found {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// scanDollarSymbols finds "$SYMBOL" tokens not glued to surrounding word characters.
func scanDollarSymbols(runes []rune) []string {
	var out []string
	for i := 0; i < len(runes); i++ {
		if runes[i] != '$' || (i > 0 && isWordRune(runes[i-1])) {
			continue
		}
		start := i + 1
		if start >= len(runes) || !isASCIILetter(runes[start]) {
			continue
		}
		tail := 0
		for tail < maxSymbolTail && start+1+tail < len(runes) && isSymbolRune(runes[start+1+tail]) {
			tail++
		}
		// longest tail whose next rune is not a word character
		for ; tail >= minSymbolTail; tail-- {
			end := start + 1 + tail
			if end >= len(runes) || !isWordRune(runes[end]) {
				out = append(out, string(runes[start:end]))
				i = end - 1
				break
			}
		}
	}
	return out
}

// scanNames finds whole-word, case-insensitive alias matches, trying longer aliases first.
func (c *Canonicalizer) scanNames(runes []rune) []string {
	var out []string
	for i := 0; i < len(runes); {
		if i > 0 && isWordRune(runes[i-1]) {
			i++
			continue
		}
		matched := 0
		for _, name := range c.names {
			end := i + len(name)
			if end > len(runes) {
				continue
			}
			if end < len(runes) && isWordRune(runes[end]) {
				continue
			}
			if strings.EqualFold(string(runes[i:end]), string(name)) {
				matched = len(name)
				out = append(out, string(runes[i:end]))
				break
			}
		}
		if matched > 0 {
			i += matched
		} else {
			i++
		}
	}
	return out
}

func normalizeToken(token string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(token))
}

func isAlpha(s string) bool {
	if s == "" || !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isASCIILetter(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
}

func isSymbolRune(r rune) bool {
	return isASCIILetter(r) || (r >= '0' && r <= '9') || r == '.' || r == '-'
}
