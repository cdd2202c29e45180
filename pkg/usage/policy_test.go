package usage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

func TestParseThresholds_Overrides(t *testing.T) {
	data := []byte(`
base: strict
thresholds:
  max_total_cost: 2500
  max_daily_tokens: 500000000
`)

	got, err := usage.ParseThresholds(data)
	require.NoError(t, err)

	strict := usage.StrictThresholds()
	assert.InDelta(t, 2500.0, got.MaxTotalCost, 1e-9)
	assert.Equal(t, int64(500_000_000), got.MaxDailyTokens)
	// Untouched fields keep the preset values.
	assert.Equal(t, strict.MaxTotalTokens, got.MaxTotalTokens)
	assert.InDelta(t, strict.MaxDailyCost, got.MaxDailyCost, 1e-9)
	assert.InDelta(t, strict.MinCostPerToken, got.MinCostPerToken, 1e-12)
}

func TestParseThresholds_DefaultBaseIsLenient(t *testing.T) {
	got, err := usage.ParseThresholds([]byte("thresholds:\n  max_total_tokens: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.MaxTotalTokens)
	assert.InDelta(t, usage.LenientThresholds().MaxTotalCost, got.MaxTotalCost, 1e-9)
	assert.Zero(t, got.MaxDailyCost)
}

func TestParseThresholds_UnknownBase(t *testing.T) {
	_, err := usage.ParseThresholds([]byte("base: paranoid\n"))
	assert.Error(t, err)
}

func TestParseThresholds_BadYAML(t *testing.T) {
	_, err := usage.ParseThresholds([]byte("{{not yaml"))
	assert.Error(t, err)
}

func TestLoadThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base: lenient\nthresholds:\n  max_total_cost: 50\n"), 0o644))

	got, err := usage.LoadThresholds(path)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.MaxTotalCost, 1e-9)

	_, err = usage.LoadThresholds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPresetThresholds(t *testing.T) {
	lenient, err := usage.PresetThresholds("")
	require.NoError(t, err)
	assert.Equal(t, usage.LenientThresholds(), lenient)

	strict, err := usage.PresetThresholds("strict")
	require.NoError(t, err)
	assert.Equal(t, usage.StrictThresholds(), strict)

	_, err = usage.PresetThresholds("nope")
	assert.Error(t, err)
}
