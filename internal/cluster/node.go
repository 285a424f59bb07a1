// Package cluster runs a replica's peer endpoint: the listener serving
// peer frames, the outgoing dialers to every configured peer address,
// the periodic liveness/reconnect/election sweep, and best-effort
// replication fan-out.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"replichat/internal/metrics"
	"replichat/internal/proto"
	"replichat/internal/store"
)

// Handler is the state surface the peer channel drives.
type Handler interface {
	ApplyReplicated(command string, data json.RawMessage)
	Snapshot() store.Snapshot
	InstallSnapshot(store.Snapshot)
}

// NodeConfig wires one replica's peer endpoint.
type NodeConfig struct {
	// Self is this replica's peer endpoint (host:port). It is both the
	// listen address and the replica's identity in leader election.
	Self string
	// ClientHost/ClientPort identify the replica's client endpoint,
	// advertised when requesting a snapshot.
	ClientHost string
	ClientPort int
	// Targets are all configured peer addresses; Self is skipped.
	Targets []string

	SweepInterval time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Node is the peer endpoint of one replica.
type Node struct {
	cfg     NodeConfig
	handler Handler
	log     zerolog.Logger
	label   string

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]net.Conn // outgoing, keyed by configured target
	leader string
	loaded bool
}

func NewNode(cfg NodeConfig, replicaID int, handler Handler, log zerolog.Logger) *Node {
	return &Node{
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("peer_endpoint", cfg.Self).Logger(),
		label:   metrics.ReplicaLabel(replicaID),
		conns:   make(map[string]net.Conn),
	}
}

// Start binds the peer listener and launches the accept loop and the
// sweep loop. A bind failure is returned to the caller; the launcher
// treats it as fatal.
func (n *Node) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Self)
	if err != nil {
		return err
	}
	n.ln = ln

	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(2)
	go n.acceptLoop(ctx)
	go n.sweepLoop(ctx)
	return nil
}

// Shutdown closes the listener and all peer connections and waits for
// the loops to drain.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.ln != nil {
		n.ln.Close()
	}
	n.mu.Lock()
	for target, conn := range n.conns {
		conn.Close()
		delete(n.conns, target)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// Self returns this replica's peer endpoint identity.
func (n *Node) Self() string { return n.cfg.Self }

// Leader returns the currently cached leader endpoint.
func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

// Loaded reports whether this replica has a database it trusts.
func (n *Node) Loaded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loaded
}

// MarkLoaded records that a snapshot from the leader has been
// installed. The flag starts false on every replica and a leader change
// clears it again; the elected leader itself keeps serving its local
// database without ever setting it.
func (n *Node) MarkLoaded() {
	n.mu.Lock()
	n.loaded = true
	n.mu.Unlock()
}

// PeerCount returns the number of live outgoing connections.
func (n *Node) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Broadcast fans a distribute_update out to every reachable peer.
// Delivery is best-effort; a failed write closes the connection and the
// next sweep redials.
func (n *Node) Broadcast(command string, data any) {
	inner, err := json.Marshal(data)
	if err != nil {
		n.log.Error().Err(err).Str("command", command).Msg("marshal replicated payload")
		return
	}
	env := proto.MustEnvelope(proto.PeerDistributeUpdate, proto.DistributeUpdate{Command: command, Data: inner})

	n.mu.Lock()
	defer n.mu.Unlock()
	for target, conn := range n.conns {
		if err := proto.WriteFrameDeadline(conn, env, n.cfg.WriteTimeout); err != nil {
			n.log.Warn().Err(err).Str("peer", target).Msg("replication write failed, dropping peer")
			conn.Close()
			delete(n.conns, target)
			continue
		}
		metrics.BroadcastsSent.WithLabelValues(n.label).Inc()
	}
	metrics.PeerConnections.WithLabelValues(n.label).Set(float64(len(n.conns)))
}

func (n *Node) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			n.log.Warn().Err(err).Msg("peer accept failed")
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.readPump(ctx, conn, conn.RemoteAddr().String())
		}()
	}
}

// readPump serves frames from one peer connection, incoming or
// outgoing, until the stream ends. Malformed frames are skipped.
func (n *Node) readPump(ctx context.Context, conn net.Conn, peer string) {
	defer conn.Close()
	dec := proto.NewDecoder(conn)
	for {
		env, err := dec.Next()
		if err != nil {
			if errors.Is(err, proto.ErrMalformedFrame) {
				n.log.Warn().Err(err).Str("peer", peer).Msg("malformed peer frame, skipping")
				continue
			}
			if err != io.EOF && ctx.Err() == nil {
				n.log.Debug().Err(err).Str("peer", peer).Msg("peer read ended")
			}
			return
		}
		n.handleFrame(conn, peer, env)
	}
}

func (n *Node) handleFrame(conn net.Conn, peer string, env proto.Envelope) {
	switch env.Command {
	case proto.PeerPing:
		// Liveness probe, nothing to answer.

	case proto.PeerInternalUpdate:
		var upd proto.InternalUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			n.log.Warn().Err(err).Str("peer", peer).Msg("bad internal_update")
			return
		}
		n.adoptLeader(upd.Leader)

	case proto.PeerDistributeUpdate:
		var upd proto.DistributeUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			n.log.Warn().Err(err).Str("peer", peer).Msg("bad distribute_update")
			return
		}
		n.handler.ApplyReplicated(upd.Command, upd.Data)
		metrics.ReplicatedApplied.WithLabelValues(n.label, upd.Command).Inc()

	case proto.PeerGetDatabase:
		var req proto.GetDatabaseRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			n.log.Warn().Err(err).Str("peer", peer).Msg("bad get_database")
			return
		}
		snap := n.handler.Snapshot()
		reply := proto.MustEnvelope(proto.PeerSetDatabase, snap)
		if err := proto.WriteFrameDeadline(conn, reply, n.cfg.WriteTimeout); err != nil {
			n.log.Warn().Err(err).Str("peer", peer).Msg("snapshot send failed")
			return
		}
		metrics.SnapshotTransfers.WithLabelValues(n.label, "served").Inc()
		n.log.Info().Str("requester_host", req.Host).Int("requester_port", req.Port).Msg("served database snapshot")

	case proto.PeerSetDatabase:
		var snap store.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			n.log.Warn().Err(err).Str("peer", peer).Msg("bad set_database")
			return
		}
		n.handler.InstallSnapshot(snap)
		n.MarkLoaded()
		metrics.SnapshotTransfers.WithLabelValues(n.label, "installed").Inc()
		n.log.Info().Str("peer", peer).Msg("installed database snapshot")

	default:
		n.log.Warn().Str("command", env.Command).Str("peer", peer).Msg("unknown peer command")
	}
}

// sweepLoop runs the periodic liveness ping, reconnect pass, leader
// check and snapshot bootstrap.
func (n *Node) sweepLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sweep(ctx)
		}
	}
}

func (n *Node) sweep(ctx context.Context) {
	ping := proto.MustEnvelope(proto.PeerPing, struct{}{})

	n.mu.Lock()
	for target, conn := range n.conns {
		if err := proto.WriteFrameDeadline(conn, ping, n.cfg.WriteTimeout); err != nil {
			n.log.Info().Err(err).Str("peer", target).Msg("peer unreachable, dropping")
			conn.Close()
			delete(n.conns, target)
		}
	}
	missing := make([]string, 0, len(n.cfg.Targets))
	for _, target := range n.cfg.Targets {
		if target == n.cfg.Self {
			continue
		}
		if _, ok := n.conns[target]; !ok {
			missing = append(missing, target)
		}
	}
	n.mu.Unlock()

	for _, target := range missing {
		conn, err := net.DialTimeout("tcp", target, n.cfg.DialTimeout)
		if err != nil {
			continue
		}
		n.mu.Lock()
		n.conns[target] = conn
		n.mu.Unlock()
		n.log.Info().Str("peer", target).Msg("peer connected")
		n.wg.Add(1)
		go func(target string, conn net.Conn) {
			defer n.wg.Done()
			n.readPump(ctx, conn, target)
			n.mu.Lock()
			if n.conns[target] == conn {
				delete(n.conns, target)
			}
			n.mu.Unlock()
		}(target, conn)
	}

	n.electAndBootstrap()
}

// electAndBootstrap recomputes the leader over self plus the connected
// peers, announces a self-election, and requests a snapshot while the
// database is not loaded and someone else leads.
func (n *Node) electAndBootstrap() {
	n.mu.Lock()
	endpoints := make([]string, 0, len(n.conns)+1)
	endpoints = append(endpoints, n.cfg.Self)
	for target := range n.conns {
		endpoints = append(endpoints, target)
	}
	leader := Elect(endpoints)
	changed := leader != n.leader
	if changed {
		n.leader = leader
		n.loaded = false
	}
	needSnapshot := !n.loaded && n.leader != n.cfg.Self
	leaderConn := n.conns[n.leader]
	peerCount := len(n.conns)
	n.mu.Unlock()

	metrics.PeerConnections.WithLabelValues(n.label).Set(float64(peerCount))
	if leader == n.cfg.Self {
		metrics.IsLeader.WithLabelValues(n.label).Set(1)
	} else {
		metrics.IsLeader.WithLabelValues(n.label).Set(0)
	}

	if changed {
		n.log.Info().Str("leader", leader).Msg("leader changed")
		if leader == n.cfg.Self {
			n.announceLeadership()
		}
	}

	if needSnapshot && leaderConn != nil {
		req := proto.MustEnvelope(proto.PeerGetDatabase, proto.GetDatabaseRequest{
			Host: n.cfg.ClientHost,
			Port: n.cfg.ClientPort,
		})
		if err := proto.WriteFrameDeadline(leaderConn, req, n.cfg.WriteTimeout); err != nil {
			n.log.Warn().Err(err).Str("leader", n.leader).Msg("snapshot request failed")
		}
	}
}

// announceLeadership tells every peer who this replica believes leads.
func (n *Node) announceLeadership() {
	env := proto.MustEnvelope(proto.PeerInternalUpdate, proto.InternalUpdate{Leader: n.cfg.Self})
	n.mu.Lock()
	defer n.mu.Unlock()
	for target, conn := range n.conns {
		if err := proto.WriteFrameDeadline(conn, env, n.cfg.WriteTimeout); err != nil {
			n.log.Warn().Err(err).Str("peer", target).Msg("leader announce failed")
			conn.Close()
			delete(n.conns, target)
		}
	}
}

// adoptLeader caches an announced leader. A change invalidates the
// loaded flag the same way a locally computed change does.
func (n *Node) adoptLeader(leader string) {
	if leader == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if leader != n.leader {
		n.leader = leader
		n.loaded = false
	}
}
