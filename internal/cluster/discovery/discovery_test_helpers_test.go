package discovery

import (
	"time"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
)

func testDiscoveryConfig() clusterconfig.DiscoveryConfig {
	return clusterconfig.DiscoveryConfig{
		Mode:              clusterconfig.DiscoveryDNS,
		DNSName:           "workers.internal",
		DNSPort:           8000,
		RefreshInterval:   time.Hour,
		ValidationTimeout: time.Second,
	}
}
