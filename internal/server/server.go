// Package server accepts device TCP connections, routes each one to its
// protocol codec, and drives the per-connection ingest loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/santhoshcv/fleetpulse-server/internal/metrics"
)

// Server owns the listeners and the shared per-device state. One Server
// serves all configured ports; every accepted connection gets its own
// handler goroutine.
type Server struct {
	log       *slog.Logger
	cfg       *Config
	registry  *registry
	touchGate *ttlcache.Cache[string, time.Time]

	wg sync.WaitGroup
}

func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		registry: newRegistry(),
		touchGate: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](cfg.CoalesceInterval),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}, nil
}

// Start launches the accept loops and returns a channel that yields the
// terminal error (nil on clean shutdown) once every handler has drained.
func (s *Server) Start(ctx context.Context, cancel context.CancelCauseFunc) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		err := s.Run(ctx)
		if err != nil && cancel != nil {
			cancel(err)
		}
		errCh <- err
	}()
	return errCh
}

// Run serves until ctx is canceled, then drains live connections for at
// most DrainTimeout before forcing the stragglers closed.
func (s *Server) Run(ctx context.Context) error {
	go s.touchGate.Start()
	defer s.touchGate.Stop()

	var acceptWG sync.WaitGroup
	for _, ln := range s.cfg.Listeners {
		acceptWG.Add(1)
		go func(ln net.Listener) {
			defer acceptWG.Done()
			s.acceptLoop(ctx, ln)
		}(ln)
	}

	<-ctx.Done()
	for _, ln := range s.cfg.Listeners {
		_ = ln.Close()
	}
	acceptWG.Wait()

	s.log.Info("draining connections", "active", s.registry.size(), "timeout", s.cfg.DrainTimeout)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.cfg.Clock.After(s.cfg.DrainTimeout):
		s.log.Warn("drain timeout, closing remaining connections", "active", s.registry.size())
		s.registry.closeAll()
		<-done
	}
	s.log.Info("server stopped")
	return nil
}

// ActiveConnections reports the number of identified live connections.
func (s *Server) ActiveConnections() int { return s.registry.size() }

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	log := s.log.With("listener", ln.Addr().String())
	log.Info("accepting device connections")

	backoff := acceptBaseBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedNetErr(err) {
				return
			}
			metrics.AcceptErrs.WithLabelValues(errKind(err)).Inc()
			log.Warn("accept failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-s.cfg.Clock.After(backoff):
			}
			if backoff *= 2; backoff > acceptMaxBackoff {
				backoff = acceptMaxBackoff
			}
			continue
		}
		backoff = acceptBaseBackoff
		metrics.ConnectionsAccepted.Inc()

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(30 * time.Second)
		}

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			newHandler(s, conn).serve(ctx)
		}(conn)
	}
}

func errKind(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "other"
}

func isClosedNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe")
}
