package exposure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseAsset(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT":  "BTC",
		"eth/usdc":  "ETH",
		"SOLUSDT":   "SOL",
		"DOGEBUSD":  "DOGE",
		"XRPUSD":    "XRP",
		"ADAEUR":    "ADA",
		"BTC-PERP":  "BTC",
		"LINK":      "LINK",
		" avaxusdt": "AVAX",
	}
	for symbol, want := range cases {
		assert.Equal(t, want, BaseAsset(symbol), symbol)
	}
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	assert.Equal(t, "large_cap", table.Category("BTC"))
	assert.Equal(t, "stable", table.Category("usdc"))

	r, ok := table.Lookup("SUI", "APT")
	require.True(t, ok)
	assert.Equal(t, 0.80, r)

	_, ok = table.Lookup("XMR", "BTC")
	assert.False(t, ok)
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fallback:
  same_category: 0.5
  default: 0.1
categories:
  majors: [btc, eth]
  alts: [SOL]
correlations:
  BTC/SOL: 0.9
`), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, table.Correlation("SOL", "BTC"))
	assert.Equal(t, 0.5, table.Correlation("BTC", "ETH"))
	assert.Equal(t, 0.1, table.Correlation("ETH", "SOL"))
	assert.Equal(t, "majors", table.Category("ETH"))
}

func TestParseTableErrors(t *testing.T) {
	_, err := ParseTable([]byte("correlations:\n  BTCETH: 0.5\n"))
	assert.ErrorContains(t, err, "want A/B")

	_, err = ParseTable([]byte("correlations:\n  BTC/ETH: 1.5\n"))
	assert.ErrorContains(t, err, "out of range")

	_, err = ParseTable([]byte("categories:\n  a: [BTC]\n  b: [BTC]\n"))
	assert.ErrorContains(t, err, "listed in categories")

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
