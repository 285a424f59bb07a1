// Command replichat launches a cluster of chat replicas in one process.
// Replica i binds start_server_port+i for clients, start_internal_port+i
// for peers, start_gateway_port+i for WebSocket clients and
// start_metrics_port+i for the ops endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"replichat/internal/cluster"
	"replichat/internal/config"
	"replichat/internal/gateway"
	"replichat/internal/logging"
	"replichat/internal/metrics"
	"replichat/internal/server"
	"replichat/internal/storage"
	"replichat/internal/store"
)

type replicaSet struct {
	node *cluster.Node
	srv  *server.Replica
	gw   *gateway.Gateway
	ops  *metrics.OpsServer
}

func main() {
	// Optional .env; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.IntVar(&cfg.NumServers, "num_servers", cfg.NumServers, "number of replicas to launch")
	flag.IntVar(&cfg.StartServerPort, "start_server_port", cfg.StartServerPort, "first client port; replica i binds start+i")
	flag.IntVar(&cfg.StartInternalPort, "start_internal_port", cfg.StartInternalPort, "first peer port; replica i binds start+i")
	flag.IntVar(&cfg.StartGatewayPort, "start_gateway_port", cfg.StartGatewayPort, "first websocket gateway port")
	flag.IntVar(&cfg.StartMetricsPort, "start_metrics_port", cfg.StartMetricsPort, "first ops endpoint port")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "bind host for all listeners")
	hosts := flag.String("internal_other_servers", strings.Join(cfg.InternalOtherServers, ","), "comma-separated peer hosts")
	ports := flag.String("internal_other_ports", joinInts(cfg.InternalOtherPorts), "comma-separated first peer port per host")
	maxPorts := flag.String("internal_max_ports", joinInts(cfg.InternalMaxPorts), "comma-separated port range width per host")
	flag.StringVar(&cfg.DataDir, "data_dir", cfg.DataDir, "directory for persistence blobs")
	flag.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "zerolog level")
	flag.BoolVar(&cfg.LogPretty, "log_pretty", cfg.LogPretty, "console log format")
	flag.Parse()

	cfg.InternalOtherServers = splitList(*hosts)
	if cfg.InternalOtherPorts, err = splitInts(*ports); err != nil {
		fmt.Fprintf(os.Stderr, "internal_other_ports: %v\n", err)
		os.Exit(1)
	}
	if cfg.InternalMaxPorts, err = splitInts(*maxPorts); err != nil {
		fmt.Fprintf(os.Stderr, "internal_max_ports: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartSystemCollector(ctx, 10*time.Second, log)

	targets := cfg.PeerTargets()
	replicas := make([]*replicaSet, 0, cfg.NumServers)
	for i := 0; i < cfg.NumServers; i++ {
		rs, err := startReplica(ctx, cfg, i, targets, log)
		if err != nil {
			log.Error().Err(err).Int("replica", i).Msg("replica startup failed")
			for _, prev := range replicas {
				prev.shutdown()
			}
			os.Exit(1)
		}
		replicas = append(replicas, rs)
	}

	log.Info().Int("replicas", cfg.NumServers).Str("host", cfg.Host).Msg("cluster up")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	for _, rs := range replicas {
		rs.shutdown()
	}
}

// startReplica builds and starts one replica's full goroutine set. Any
// listener bind failure aborts the whole launch.
func startReplica(ctx context.Context, cfg config.Config, i int, targets []string, baseLog zerolog.Logger) (*replicaSet, error) {
	addrs := cfg.Replica(i)
	log := logging.ForReplica(baseLog, i)

	driver, err := storage.NewFileDriver(cfg.DataDir, i, log)
	if err != nil {
		return nil, err
	}
	snap, err := driver.Load()
	if err != nil {
		return nil, fmt.Errorf("load database: %w", err)
	}

	// Settings track the addresses this replica actually binds.
	snap.Settings.Host = cfg.Host
	snap.Settings.Port = cfg.StartServerPort + i
	snap.Settings.HostJSON = cfg.Host
	snap.Settings.PortJSON = cfg.StartGatewayPort + i

	state := store.New(snap, driver, log)

	node := cluster.NewNode(cluster.NodeConfig{
		Self:          addrs.PeerAddr,
		ClientHost:    cfg.Host,
		ClientPort:    cfg.StartServerPort + i,
		Targets:       targets,
		SweepInterval: cfg.SweepInterval,
		DialTimeout:   cfg.DialTimeout,
		WriteTimeout:  cfg.PeerWriteTimeout,
	}, i, state, log)
	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("bind peer endpoint %s: %w", addrs.PeerAddr, err)
	}

	srv := server.New(i, server.Config{
		Addr:           addrs.ClientAddr,
		MaxConnections: cfg.MaxConnections,
		RateLimit:      cfg.ClientRateLimit,
		RateBurst:      cfg.ClientRateBurst,
	}, state, node, log)
	if err := srv.Start(ctx); err != nil {
		node.Shutdown()
		return nil, fmt.Errorf("bind client endpoint %s: %w", addrs.ClientAddr, err)
	}

	gw := gateway.New(addrs.GatewayAddr, srv, log)
	if err := gw.Start(); err != nil {
		srv.Shutdown()
		node.Shutdown()
		return nil, fmt.Errorf("bind gateway endpoint %s: %w", addrs.GatewayAddr, err)
	}

	ops := metrics.NewOpsServer(addrs.MetricsAddr, srv.Healthz, log)
	go ops.Run()

	return &replicaSet{node: node, srv: srv, gw: gw, ops: ops}, nil
}

func (rs *replicaSet) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs.gw.Shutdown(ctx)
	rs.srv.Shutdown()
	rs.node.Shutdown()
	rs.ops.Shutdown(ctx)
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitInts(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", part)
		}
		out = append(out, v)
	}
	return out, nil
}
