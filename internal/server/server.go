// Package server runs a replica's client endpoint: the TCP listener
// speaking NUL-framed JSON envelopes, per-connection rate limiting and
// session cleanup, and the dispatch path shared with the WebSocket
// gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"replichat/internal/cluster"
	"replichat/internal/metrics"
	"replichat/internal/proto"
	"replichat/internal/store"
)

// Config sizes one replica's client endpoint.
type Config struct {
	Addr           string
	MaxConnections int
	RateLimit      float64
	RateBurst      int
}

// Replica serves clients against one state machine and fans accepted
// mutations out through the cluster node.
type Replica struct {
	id    int
	cfg   Config
	state *store.StateMachine
	node  *cluster.Node
	log   zerolog.Logger
	label string

	ln      net.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
	started time.Time
}

func New(id int, cfg Config, state *store.StateMachine, node *cluster.Node, log zerolog.Logger) *Replica {
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1024
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 100
	}
	return &Replica{
		id:    id,
		cfg:   cfg,
		state: state,
		node:  node,
		log:   log.With().Str("client_endpoint", cfg.Addr).Logger(),
		label: metrics.ReplicaLabel(id),
		sem:   make(chan struct{}, cfg.MaxConnections),
	}
}

// Start binds the client listener and launches the accept loop. A bind
// failure is returned; the launcher treats it as fatal.
func (r *Replica) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return err
	}
	r.ln = ln
	r.started = time.Now()

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.acceptLoop(ctx)
	r.log.Info().Msg("client endpoint listening")
	return nil
}

// Addr returns the bound client address, useful when the configured
// port was 0.
func (r *Replica) Addr() string {
	if r.ln == nil {
		return r.cfg.Addr
	}
	return r.ln.Addr().String()
}

// Shutdown stops accepting, lets in-flight handlers finish their
// current operation, and writes a final snapshot.
func (r *Replica) Shutdown() {
	if r.ln != nil {
		r.ln.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	if err := r.state.Persist(); err != nil {
		r.log.Error().Err(err).Msg("final snapshot failed")
	}
}

func (r *Replica) acceptLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		select {
		case r.sem <- struct{}{}:
		default:
			// At capacity: refuse rather than queue unboundedly.
			r.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection limit reached, rejecting")
			conn.Close()
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.handleConn(ctx, conn)
		}()
	}
}

func (r *Replica) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	origin := conn.RemoteAddr().String()
	session := uuid.NewString()
	log := r.log.With().Str("session", session).Str("remote", origin).Logger()
	log.Debug().Msg("client connected")

	metrics.ActiveConnections.WithLabelValues(r.label).Inc()
	defer metrics.ActiveConnections.WithLabelValues(r.label).Dec()

	limiter := rate.NewLimiter(rate.Limit(r.cfg.RateLimit), r.cfg.RateBurst)
	dec := proto.NewDecoder(conn)
	for {
		env, err := dec.Next()
		if err != nil {
			if errors.Is(err, proto.ErrMalformedFrame) {
				log.Warn().Err(err).Msg("malformed request frame")
				if werr := proto.WriteFrame(conn, proto.ErrorReply("Malformed request")); werr != nil {
					break
				}
				continue
			}
			if err != io.EOF && ctx.Err() == nil {
				log.Debug().Err(err).Msg("client read ended")
			}
			break
		}

		// Throttle instead of erroring; a bursty client just waits.
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		reply := r.Dispatch(env, origin)
		if err := proto.WriteFrame(conn, reply); err != nil {
			log.Debug().Err(err).Msg("client write failed")
			break
		}
	}

	r.DisconnectCleanup(origin)
	log.Debug().Msg("client disconnected")
}

// Dispatch runs one request through the state machine in origin-apply
// mode and replicates the accepted mutation, if any, after the reply is
// built. Both the TCP endpoint and the WebSocket gateway use it.
func (r *Replica) Dispatch(env proto.Envelope, origin string) proto.Envelope {
	start := time.Now()
	reply, bcast := r.state.HandleRequest(env, origin)

	status := "ok"
	if reply.Command == proto.ReplyError {
		status = "error"
	}
	metrics.RequestsTotal.WithLabelValues(r.label, env.Command, status).Inc()
	metrics.RequestDuration.WithLabelValues(r.label, env.Command).Observe(time.Since(start).Seconds())

	if bcast != nil {
		r.node.Broadcast(bcast.Command, bcast.Data)
	}
	return reply
}

// DisconnectCleanup force-logs-out every session bound to a dead
// connection endpoint and replicates each logout.
func (r *Replica) DisconnectCleanup(origin string) {
	for _, username := range r.state.DropSessions(origin) {
		r.log.Info().Str("username", username).Msg("forced logout on disconnect")
		r.node.Broadcast(proto.CmdLogout, proto.LogoutRequest{Username: username})
	}
}

// Healthz reports the replica's view of itself for the ops endpoint.
func (r *Replica) Healthz(w http.ResponseWriter, _ *http.Request) {
	leader := r.node.Leader()
	body := struct {
		Status  string      `json:"status"`
		Replica int         `json:"replica"`
		Leader  string      `json:"leader"`
		IsLead  bool        `json:"is_leader"`
		Peers   int         `json:"peers"`
		Loaded  bool        `json:"loaded_database"`
		Uptime  string      `json:"uptime"`
		Store   store.Stats `json:"store"`
	}{
		Status:  "ok",
		Replica: r.id,
		Leader:  leader,
		IsLead:  leader != "" && leader == r.node.Self(),
		Peers:   r.node.PeerCount(),
		Loaded:  r.node.Loaded(),
		Uptime:  time.Since(r.started).Round(time.Second).String(),
		Store:   r.state.StatsSnapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
