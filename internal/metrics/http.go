package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// OpsServer is one replica's operational HTTP endpoint.
type OpsServer struct {
	srv *http.Server
	log zerolog.Logger
}

// NewOpsServer mounts /metrics and /healthz. The health handler is
// supplied by the replica so it can report leadership and peer state.
func NewOpsServer(addr string, health http.HandlerFunc, log zerolog.Logger) *OpsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health)
	return &OpsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Run serves until Shutdown. Ops endpoints are best-effort: a bind
// failure is logged, not fatal.
func (s *OpsServer) Run() {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Warn().Err(err).Str("addr", s.srv.Addr).Msg("ops endpoint unavailable")
	}
}

func (s *OpsServer) Shutdown(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Debug().Err(err).Msg("ops endpoint shutdown")
	}
}
