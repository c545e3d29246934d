package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

const minimalYAML = `
engine:
  mode: paper
  symbols: "BTC/USDT, eth-usdt, BTC/USDT"
  fixed_amount: 100
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Intervals.EvalSec)
	assert.Equal(t, "alert", cfg.Intervals.DMSAction)
	assert.Equal(t, 60_000, cfg.Idempotency.BucketMs)
	assert.Equal(t, 5*time.Minute, cfg.IdempotencyTTL())
	assert.Equal(t, "sma_momentum", cfg.Strategy.Name)
	assert.Equal(t, "off", cfg.Exits.Mode)
	assert.Equal(t, 0.5, cfg.SLA.ErrRatePause)
}

func TestSymbolsCanonicalAndDeduped(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	symbols, err := cfg.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, symbols)
}

func TestValidateRejectsMixedTTLUnits(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
idempotency:
  ttl_sec: 300
  ttl_ms: 300000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pick one unit")
}

func TestLegacyTTLMsStillWorksAlone(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
idempotency:
  ttl_ms: 120000
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.IdempotencyTTL())
}

func TestValidateRejectsBadMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
engine:
  mode: replay
  symbols: "BTC/USDT"
  fixed_amount: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.mode")
}

func TestValidateRequiresCredentialsInLiveMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
engine:
  mode: live
  symbols: "BTC/USDT"
  fixed_amount: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key and api_secret")
}

func TestValidateRejectsInvertedSMAPeriods(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
strategy:
  fast_period: 50
  slow_period: 10
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fast_period")
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_SYMBOLS", "SOL/USDT")
	cfg, err := Load(writeConfig(t, `
engine:
  mode: paper
  symbols: "${TEST_SYMBOLS}"
  fixed_amount: 100
`))
	require.NoError(t, err)
	symbols, err := cfg.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"SOL/USDT"}, symbols)
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
credentials:
  api_key: super-secret-key
`))
	require.NoError(t, err)
	out := cfg.String()
	assert.NotContains(t, out, "super-secret-key")
	assert.Contains(t, out, "[REDACTED]")
}

func TestSecretReveal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	cases := []struct {
		in   Secret
		want string
	}{
		{"plain-value", "plain-value"},
		{Secret("file:" + path), "from-file"},
		{"base64:ZnJvbS1iNjQ=", "from-b64"},
	}
	for _, tc := range cases {
		got, err := tc.in.Reveal()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := Secret("base64:not base64!").Reveal()
	assert.Error(t, err)
	_, err = Secret("file:/no/such/path").Reveal()
	assert.Error(t, err)
}

func TestSecretNeverPrintsRaw(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))

	data, err := json.Marshal(struct{ Key Secret }{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}
