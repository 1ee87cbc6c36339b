package sidecar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stakesidecar/registry"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func clearSidecarEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"SIDECAR_ENV", "SIDECAR_LISTEN", "SIDECAR_CHAIN_ENDPOINT", "SIDECAR_NETUID"} {
		t.Setenv(key, "")
	}
}

const minimalYAML = `
chain:
  endpoint: http://127.0.0.1:3000
wallet:
  signer_key: "0x01"
`

func TestLoadConfigDefaults(t *testing.T) {
	clearSidecarEnv(t)
	cfg, err := LoadConfig(writeConfig(t, "sidecar.yaml", minimalYAML))
	require.NoError(t, err)

	require.Equal(t, ":9100", cfg.ListenAddress)
	require.Equal(t, uint64(360), cfg.Tempo)
	require.Equal(t, 120*time.Second, cfg.Sync.Interval.Duration)
	require.Equal(t, 30*time.Second, cfg.Sync.RetryInterval.Duration)
	require.Equal(t, registry.DefaultFetchTimeout, cfg.Sync.FetchTimeout.Duration)
	require.Equal(t, 15*time.Second, cfg.Chain.Timeout.Duration)
	require.NotNil(t, cfg.Chain.Retries)
	require.Equal(t, uint64(3), *cfg.Chain.Retries)
	require.Equal(t, "SIDECAR_KEYSTORE_PASSPHRASE", cfg.Wallet.PassphraseEnv)
	require.Equal(t, "share", cfg.RateLimit.Policy)
	require.Equal(t, 1, cfg.RateLimit.Base)
	require.Equal(t, 1000, cfg.RateLimit.Pool)
	require.Equal(t, 100, cfg.Logging.MaxSizeMB)

	policy, err := cfg.RateLimit.RatePolicy()
	require.NoError(t, err)
	require.Equal(t, registry.ShareOfPool{Base: 1, Pool: 1000}, policy)
}

func TestLoadConfigYAML(t *testing.T) {
	clearSidecarEnv(t)
	t.Setenv("TEST_SIDECAR_HMAC", "  from-env  ")
	cfg, err := LoadConfig(writeConfig(t, "sidecar.yml", `
listen: 127.0.0.1:9200
env: staging
network_id: 47
tempo: 100
sync:
  interval: 60s
  retry_interval: 10s
chain:
  endpoint: http://chain:3000
  timeout: 5s
  retries: 0
wallet:
  keystore: /var/lib/sidecar/key.json
  passphrase_env: MY_PASS
rate_limit:
  enabled: true
  policy: tiered
  min_stake: 1
  anonymous_per_minute: 6
  tiers:
    - min_stake: 0
      budget: 10
    - min_stake: 1000
      budget: 600
auth:
  enabled: true
  hmac_secret_env: TEST_SIDECAR_HMAC
logging:
  level: debug
telemetry:
  enabled: true
`))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9200", cfg.ListenAddress)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, uint16(47), cfg.NetworkID)
	require.Equal(t, uint64(100), cfg.Tempo)
	require.Equal(t, time.Minute, cfg.Sync.Interval.Duration)
	require.Equal(t, 10*time.Second, cfg.Sync.RetryInterval.Duration)
	require.Equal(t, 5*time.Second, cfg.Chain.Timeout.Duration)
	require.Equal(t, uint64(0), *cfg.Chain.Retries)
	require.Equal(t, "MY_PASS", cfg.Wallet.PassphraseEnv)
	require.Equal(t, "from-env", cfg.Auth.HMACSecret)
	require.True(t, cfg.Telemetry.Metrics)
	require.True(t, cfg.Telemetry.Traces)

	policy, err := cfg.RateLimit.RatePolicy()
	require.NoError(t, err)
	require.Equal(t, 600, policy.Budget(5000, 0))
	require.Equal(t, 10, policy.Budget(1, 0))
}

func TestLoadConfigTOML(t *testing.T) {
	clearSidecarEnv(t)
	cfg, err := LoadConfig(writeConfig(t, "sidecar.toml", `
listen = ":9300"
network_id = 12

[sync]
interval = "90s"

[chain]
endpoint = "http://chain:3000"

[wallet]
signer_key = "0x02"

[rate_limit]
base = 5
pool = 50
`))
	require.NoError(t, err)
	require.Equal(t, ":9300", cfg.ListenAddress)
	require.Equal(t, uint16(12), cfg.NetworkID)
	require.Equal(t, 90*time.Second, cfg.Sync.Interval.Duration)
	require.Equal(t, "0x02", cfg.Wallet.SignerKey)
	require.Equal(t, 5, cfg.RateLimit.Base)
	require.Equal(t, 50, cfg.RateLimit.Pool)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearSidecarEnv(t)
	t.Setenv("SIDECAR_LISTEN", ":9999")
	t.Setenv("SIDECAR_NETUID", "3")
	t.Setenv("SIDECAR_ENV", "prod")
	t.Setenv("SIDECAR_CHAIN_ENDPOINT", "http://override:3000")

	cfg, err := LoadConfig(writeConfig(t, "sidecar.yaml", minimalYAML))
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddress)
	require.Equal(t, uint16(3), cfg.NetworkID)
	require.Equal(t, "prod", cfg.Environment)
	require.Equal(t, "http://override:3000", cfg.Chain.Endpoint)

	t.Setenv("SIDECAR_NETUID", "70000")
	_, err = LoadConfig(writeConfig(t, "sidecar.yaml", minimalYAML))
	require.ErrorContains(t, err, "SIDECAR_NETUID")
}

func TestLoadConfigSignerKeySources(t *testing.T) {
	clearSidecarEnv(t)
	keyFile := filepath.Join(t.TempDir(), "signer.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("0xabc\n"), 0o600))

	cfg, err := LoadConfig(writeConfig(t, "sidecar.yaml", `
chain:
  endpoint: http://chain:3000
wallet:
  signer_key_file: `+keyFile+`
`))
	require.NoError(t, err)
	require.Equal(t, "0xabc", cfg.Wallet.SignerKey)

	t.Setenv("TEST_SIDECAR_KEY", "0xdef")
	cfg, err = LoadConfig(writeConfig(t, "sidecar.yaml", `
chain:
  endpoint: http://chain:3000
wallet:
  signer_key_env: TEST_SIDECAR_KEY
`))
	require.NoError(t, err)
	require.Equal(t, "0xdef", cfg.Wallet.SignerKey)
}

func TestLoadConfigValidation(t *testing.T) {
	clearSidecarEnv(t)
	cases := map[string]string{
		"missing endpoint": `
wallet:
  signer_key: "0x01"
`,
		"missing wallet": `
chain:
  endpoint: http://chain:3000
`,
		"retry exceeds interval": minimalYAML + `
sync:
  interval: 10s
  retry_interval: 20s
`,
		"unknown policy": minimalYAML + `
rate_limit:
  policy: lottery
`,
		"decreasing tiers": minimalYAML + `
rate_limit:
  policy: tiered
  tiers:
    - min_stake: 0
      budget: 100
    - min_stake: 10
      budget: 5
`,
		"auth without secret": minimalYAML + `
auth:
  enabled: true
`,
		"unknown field": minimalYAML + `
colour: blue
`,
		"bad duration": minimalYAML + `
sync:
  interval: soon
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "sidecar.yaml", contents))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "open config")
}
