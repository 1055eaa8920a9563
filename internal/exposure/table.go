package exposure

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed correlations.yaml
var defaultTableYAML []byte

// Table holds asset categories and the static pairwise correlation matrix
type Table struct {
	sameCategory float64
	fallback     float64
	category     map[string]string  // asset -> category
	pairs        map[string]float64 // "A/B" with A < B
}

type tableFile struct {
	Fallback struct {
		SameCategory *float64 `yaml:"same_category"`
		Default      *float64 `yaml:"default"`
	} `yaml:"fallback"`
	Categories   map[string][]string `yaml:"categories"`
	Correlations map[string]float64  `yaml:"correlations"`
}

// DefaultTable returns the built-in table
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded correlation table: %v", err))
	}
	return t
}

// LoadTable reads a YAML table from path
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read correlation table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML table
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse correlation table: %w", err)
	}

	t := &Table{
		sameCategory: 0.6,
		fallback:     0.3,
		category:     make(map[string]string),
		pairs:        make(map[string]float64, len(f.Correlations)),
	}
	if f.Fallback.SameCategory != nil {
		t.sameCategory = *f.Fallback.SameCategory
	}
	if f.Fallback.Default != nil {
		t.fallback = *f.Fallback.Default
	}

	for cat, assets := range f.Categories {
		for _, asset := range assets {
			asset = strings.ToUpper(asset)
			if prev, ok := t.category[asset]; ok && prev != cat {
				return nil, fmt.Errorf("asset %s listed in categories %s and %s", asset, prev, cat)
			}
			t.category[asset] = cat
		}
	}

	for key, r := range f.Correlations {
		a, b, ok := strings.Cut(key, "/")
		if !ok || a == "" || b == "" {
			return nil, fmt.Errorf("invalid correlation pair %q, want A/B", key)
		}
		if r < -1 || r > 1 {
			return nil, fmt.Errorf("correlation %s = %v out of range [-1, 1]", key, r)
		}
		t.pairs[pairKey(a, b)] = r
	}
	return t, nil
}

// Category returns the asset's category, or "" when unlisted
func (t *Table) Category(asset string) string {
	return t.category[strings.ToUpper(asset)]
}

// Lookup returns the tabulated correlation of a pair
func (t *Table) Lookup(a, b string) (float64, bool) {
	r, ok := t.pairs[pairKey(a, b)]
	return r, ok
}

// Correlation returns the static correlation of two assets: 1 for the same
// asset, the tabulated value, or the category fallback.
func (t *Table) Correlation(a, b string) float64 {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if a == b {
		return 1.0
	}
	if r, ok := t.Lookup(a, b); ok {
		return r
	}
	if cat := t.category[a]; cat != "" && cat == t.category[b] {
		return t.sameCategory
	}
	return t.fallback
}

func pairKey(a, b string) string {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if b < a {
		a, b = b, a
	}
	return a + "/" + b
}

var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "EUR"}

// BaseAsset extracts the base asset of BTC/USDT, BTCUSDT or BTC-PERP style symbols
func BaseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if base, _, ok := strings.Cut(s, "/"); ok {
		return base
	}
	if base, _, ok := strings.Cut(s, "-"); ok {
		return base
	}
	for _, quote := range quoteAssets {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}
