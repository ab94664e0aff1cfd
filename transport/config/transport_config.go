// Separate package is workaround to import cycles.
package transport_config

import (
	"time"

	"github.com/temoto/wolk/helpers"
)

const (
	DefaultKeepalive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
)

type Config struct { //nolint:maligned
	Broker            string `hcl:"broker"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	LogDebug          bool   `hcl:"log_debug"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	TlsPsk            string `hcl:"tls_psk"` // secret

	// from device block
	ClientID string `hcl:"-"`
	Password string `hcl:"-"` // secret
}

func (c *Config) NetworkTimeout() time.Duration {
	d := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}
