package clusterconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Discovery: DiscoveryConfig{
			Mode:              DiscoveryStatic,
			StaticNodes:       []string{"http://node-a:8000"},
			RefreshInterval:   30_000_000_000,
			ValidationTimeout: 3_000_000_000,
		},
		Health: HealthConfig{
			CheckInterval:          10_000_000_000,
			Timeout:                2_000_000_000,
			MaxConsecutiveFailures: 3,
			UnhealthyThreshold:     0.5,
			DegradedThreshold:      0.8,
		},
		Backoff: BackoffConfig{
			InitialDelay: 1_000_000_000,
			MaxDelay:     60_000_000_000,
			Multiplier:   2.0,
		},
		Routing: RoutingConfig{
			Strategy:   StrategyRoundRobin,
			SessionTTL: 600_000_000_000,
		},
	}
}

func TestConfig_ValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestConfig_ValidateRejectsEmptyStaticNodes(t *testing.T) {
	cfg := validConfig()
	cfg.Discovery.StaticNodes = nil
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsNegativeInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Health.CheckInterval = -1
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsZeroSessionTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.SessionTTL = 0
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.Strategy = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestConfig_ValidateRejectsDNSWithoutName(t *testing.T) {
	cfg := validConfig()
	cfg.Discovery.Mode = DiscoveryDNS
	cfg.Discovery.DNSName = ""
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsOrchestratorWithoutSelector(t *testing.T) {
	cfg := validConfig()
	cfg.Discovery.Mode = DiscoveryOrchestrator
	require.Error(t, cfg.Validate())
}

func TestLoadStaticNodesYAML_ParsesNodeList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - http://10.0.0.1:8000\n  - http://10.0.0.2:8000\n"), 0o600))

	nodes, err := loadStaticNodesYAML(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://10.0.0.1:8000", "http://10.0.0.2:8000"}, nodes)
}

func TestLoadStaticNodesYAML_MissingFile(t *testing.T) {
	_, err := loadStaticNodesYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
