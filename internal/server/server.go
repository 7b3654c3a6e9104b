package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/loganszeto/linekv/internal/admission"
	"github.com/loganszeto/linekv/internal/config"
	"github.com/loganszeto/linekv/internal/stats"
	"github.com/loganszeto/linekv/internal/store"
	"github.com/loganszeto/linekv/internal/util"
)

type Server struct {
	cfg    config.Config
	st     store.Store
	adm    *admission.Controller
	stats  *stats.Stats
	logger hclog.Logger
	clock  util.Clock

	sessions *xsync.MapOf[string, net.Conn]
	wg       sync.WaitGroup
}

// New wires a server around st. adm is shared with any other front-end that
// serves sessions, so the permit bound covers all of them. A nil m or logger
// is replaced with a private registry or a null logger.
func New(cfg config.Config, st store.Store, adm *admission.Controller, m *stats.Stats, logger hclog.Logger) *Server {
	if m == nil {
		m = stats.New()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		cfg:      cfg,
		st:       st,
		adm:      adm,
		stats:    m,
		logger:   logger,
		clock:    util.RealClock{},
		sessions: xsync.NewMapOf[string, net.Conn](),
	}
}

// ListenAndServe binds the configured address and serves until ctx is done.
// A bind failure is returned as is; the caller treats it as fatal.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx is done. Every session holds an
// admission permit for its whole life, so when the pool is exhausted the
// loop stops accepting until a session ends. Cancelling ctx stops
// acceptance only; live sessions keep running unless a shutdown grace is
// configured, in which case Serve waits for them up to the grace period and
// then closes the rest.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.logger.Named("server")
	logger.Info("listening", "addr", ln.Addr().String(), "max_conns", s.adm.Capacity())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	sessCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	err := s.acceptLoop(ctx, ln, sessCtx, logger)
	logger.Info("listener stopped", "sessions", s.sessions.Size())

	if s.cfg.ShutdownGrace > 0 {
		s.drain(s.cfg.ShutdownGrace, cancelSessions, logger)
	}
	go func() {
		s.wg.Wait()
		cancelSessions()
	}()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, sessCtx context.Context, logger hclog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Warn("accept failed", "error", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		start := time.Now()
		permit := s.adm.TryAcquire()
		if permit == nil {
			logger.Debug("admission pool exhausted, waiting", "remote", conn.RemoteAddr().String())
			permit, err = s.adm.Acquire(ctx)
			if err != nil {
				_ = conn.Close()
				return nil
			}
		}
		s.stats.ObserveAdmissionWait(time.Since(start))

		s.wg.Add(1)
		go s.handle(sessCtx, conn, permit)
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn, permit *admission.Permit) {
	defer s.wg.Done()
	defer permit.Release()

	id := ulid.Make().String()
	logger := s.logger.Named("conn").With("conn_id", id, "remote", c.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	s.sessions.Store(id, c)
	defer s.sessions.Delete(id)
	defer c.Close()
	done := s.stats.SessionStarted(stats.TransportTCP)
	defer done()

	logger.Debug("session opened")
	s.serveConn(ctx, c, logger)
}

func (s *Server) drain(grace time.Duration, cancelSessions context.CancelFunc, logger hclog.Logger) {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
		logger.Info("all sessions finished")
		return
	case <-timer.C:
	}

	cancelSessions()
	closed := 0
	s.sessions.Range(func(_ string, c net.Conn) bool {
		_ = c.Close()
		closed++
		return true
	})
	logger.Warn("shutdown grace elapsed, closed remaining sessions", "count", closed)
	<-finished
}

// Sessions reports how many sessions are currently being served.
func (s *Server) Sessions() int {
	return s.sessions.Size()
}
