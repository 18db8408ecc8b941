package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/ramp"
webhook:
  secret: "s3cret"
chain:
  chain_id: 56
  rpc_endpoints: ["https://rpc-a", "https://rpc-b"]
  settlement_contract: "0x0000000000000000000000000000000000000001"
  token_contract: "0x0000000000000000000000000000000000000002"
  custody_address: "0x0000000000000000000000000000000000000003"
pricing:
  endpoints:
    - url: "https://quotes-a/usdt"
      field: "data.price"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Server.Environment)
	assert.False(t, cfg.Production())
	assert.Equal(t, int64(50), cfg.Pricing.SpreadBps)
	assert.Equal(t, 3, cfg.Chain.MaxAttempts)
	assert.Equal(t, 50, cfg.Matching.BatchSize)
	assert.Equal(t, "RS", cfg.Webhook.MemoPrefix)
	require.Len(t, cfg.Pricing.Endpoints, 1)
	assert.Equal(t, "data.price", cfg.Pricing.Endpoints[0].Field)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RPC_ENDPOINTS", " https://rpc-c , ,https://rpc-d ")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("MATCHING_BATCH_SIZE", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://rpc-c", "https://rpc-d"}, cfg.Chain.RPCEndpoints)
	assert.True(t, cfg.Production())
	assert.Equal(t, 50, cfg.Matching.BatchSize)
}

func TestLoadRequiresWebhookSecret(t *testing.T) {
	body := `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/ramp"
chain:
  rpc_endpoints: ["https://rpc-a"]
  settlement_contract: "0x01"
  token_contract: "0x02"
  custody_address: "0x0000000000000000000000000000000000000003"
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.secret")
}

func TestLoadRequiresCustodyAddress(t *testing.T) {
	custody := `  custody_address: "0x0000000000000000000000000000000000000003"`
	for _, replacement := range []string{
		"",
		`  custody_address: "0x0000000000000000000000000000000000000000"`,
		`  custody_address: "custody"`,
	} {
		body := strings.Replace(sampleYAML, custody, replacement, 1)
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, replacement)
		assert.Contains(t, err.Error(), "custody_address")
	}
}
