// Package gateway serves the envelope protocol over WebSocket for JSON
// clients: one envelope per text frame, no NUL terminator, same dispatch
// and session semantics as the TCP endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"replichat/internal/proto"
	"replichat/internal/server"
)

type Gateway struct {
	addr    string
	replica *server.Replica
	log     zerolog.Logger
	srv     *http.Server
	ln      net.Listener
}

func New(addr string, replica *server.Replica, log zerolog.Logger) *Gateway {
	g := &Gateway{
		addr:    addr,
		replica: replica,
		log:     log.With().Str("gateway_endpoint", addr).Logger(),
	}
	g.srv = &http.Server{
		Handler:           http.HandlerFunc(g.upgrade),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return g
}

// Start binds the gateway listener and serves upgrades until Shutdown.
// A bind failure is returned; the launcher treats it as fatal.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	g.ln = ln
	go func() {
		if err := g.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.Warn().Err(err).Msg("gateway serve ended")
		}
	}()
	g.log.Info().Msg("gateway listening")
	return nil
}

// Addr returns the bound gateway address, useful when the configured
// port was 0.
func (g *Gateway) Addr() string {
	if g.ln == nil {
		return g.addr
	}
	return g.ln.Addr().String()
}

func (g *Gateway) Shutdown(ctx context.Context) {
	if err := g.srv.Shutdown(ctx); err != nil {
		g.log.Debug().Err(err).Msg("gateway shutdown")
	}
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	go g.serve(conn)
}

func (g *Gateway) serve(conn net.Conn) {
	defer conn.Close()

	origin := conn.RemoteAddr().String()
	log := g.log.With().Str("remote", origin).Logger()
	log.Debug().Msg("gateway client connected")

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			log.Debug().Err(err).Msg("gateway read ended")
			break
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if werr := g.write(conn, proto.ErrorReply("Malformed request")); werr != nil {
				break
			}
			continue
		}

		reply := g.replica.Dispatch(env, origin)
		if err := g.write(conn, reply); err != nil {
			log.Debug().Err(err).Msg("gateway write failed")
			break
		}
	}

	g.replica.DisconnectCleanup(origin)
	log.Debug().Msg("gateway client disconnected")
}

func (g *Gateway) write(conn net.Conn, env proto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(conn, data)
}
