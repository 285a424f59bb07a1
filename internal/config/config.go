// Package config layers the launcher configuration: compiled defaults,
// then a .env file, then process environment, then command-line flags.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the launcher-level configuration. One process hosts
// NumServers replicas; replica i binds every base port offset by i.
type Config struct {
	NumServers        int    `env:"NUM_SERVERS" envDefault:"5"`
	Host              string `env:"HOST" envDefault:"127.0.0.1"`
	StartServerPort   int    `env:"START_SERVER_PORT" envDefault:"54400"`
	StartInternalPort int    `env:"START_INTERNAL_PORT" envDefault:"60000"`
	StartGatewayPort  int    `env:"START_GATEWAY_PORT" envDefault:"54444"`
	StartMetricsPort  int    `env:"START_METRICS_PORT" envDefault:"2112"`

	// Peer discovery: parallel lists, one entry per remote host. Entry j
	// expands to InternalMaxPorts[j] consecutive ports starting at
	// InternalOtherPorts[j].
	InternalOtherServers []string `env:"INTERNAL_OTHER_SERVERS" envDefault:"127.0.0.1"`
	InternalOtherPorts   []int    `env:"INTERNAL_OTHER_PORTS" envDefault:"60000"`
	InternalMaxPorts     []int    `env:"INTERNAL_MAX_PORTS" envDefault:"10"`

	DataDir   string `env:"DATA_DIR" envDefault:"data"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT" envDefault:"1s"`
	PeerWriteTimeout time.Duration `env:"PEER_WRITE_TIMEOUT" envDefault:"2s"`

	MaxConnections  int     `env:"MAX_CONNECTIONS" envDefault:"1024"`
	ClientRateLimit float64 `env:"CLIENT_RATE_LIMIT" envDefault:"50"`
	ClientRateBurst int     `env:"CLIENT_RATE_BURST" envDefault:"100"`
}

// Parse reads the environment over the compiled defaults.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the launcher cannot start with.
func (c Config) Validate() error {
	if c.NumServers < 1 {
		return fmt.Errorf("num_servers must be at least 1, got %d", c.NumServers)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if len(c.InternalOtherServers) != len(c.InternalOtherPorts) ||
		len(c.InternalOtherServers) != len(c.InternalMaxPorts) {
		return fmt.Errorf("internal_other_servers, internal_other_ports and internal_max_ports must have equal lengths (%d, %d, %d)",
			len(c.InternalOtherServers), len(c.InternalOtherPorts), len(c.InternalMaxPorts))
	}
	for _, p := range []int{c.StartServerPort, c.StartInternalPort, c.StartGatewayPort, c.StartMetricsPort} {
		if p < 1 || p+c.NumServers-1 > 65535 {
			return fmt.Errorf("port range %d..%d out of bounds", p, p+c.NumServers-1)
		}
	}
	return nil
}

// PeerTargets expands the discovery lists into the full candidate peer
// endpoint set. Endpoints a replica cannot reach are handled by the
// liveness sweep, not here.
func (c Config) PeerTargets() []string {
	var targets []string
	for j, host := range c.InternalOtherServers {
		base := c.InternalOtherPorts[j]
		for off := 0; off < c.InternalMaxPorts[j]; off++ {
			targets = append(targets, net.JoinHostPort(host, strconv.Itoa(base+off)))
		}
	}
	return targets
}

// Replica is the resolved per-replica address set.
type Replica struct {
	ID          int
	ClientAddr  string
	PeerAddr    string
	GatewayAddr string
	MetricsAddr string
}

// Replica resolves the addresses for replica i.
func (c Config) Replica(i int) Replica {
	join := func(base int) string {
		return net.JoinHostPort(c.Host, strconv.Itoa(base+i))
	}
	return Replica{
		ID:          i,
		ClientAddr:  join(c.StartServerPort),
		PeerAddr:    join(c.StartInternalPort),
		GatewayAddr: join(c.StartGatewayPort),
		MetricsAddr: join(c.StartMetricsPort),
	}
}
