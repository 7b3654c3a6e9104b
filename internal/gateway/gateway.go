// Package gateway serves health, metrics and a websocket front-end for the
// line protocol over HTTP.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"

	"github.com/loganszeto/linekv/internal/admission"
	"github.com/loganszeto/linekv/internal/config"
	"github.com/loganszeto/linekv/internal/protocol"
	"github.com/loganszeto/linekv/internal/server"
	"github.com/loganszeto/linekv/internal/stats"
	"github.com/loganszeto/linekv/internal/store"
	"github.com/loganszeto/linekv/internal/util"
)

const shutdownTimeout = 5 * time.Second

type Gateway struct {
	cfg    config.Config
	st     store.Store
	adm    *admission.Controller
	stats  *stats.Stats
	logger hclog.Logger
	clock  util.Clock

	upgrader websocket.Upgrader
}

func New(cfg config.Config, st store.Store, adm *admission.Controller, m *stats.Stats, logger hclog.Logger) *Gateway {
	if m == nil {
		m = stats.New()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Gateway{
		cfg:    cfg,
		st:     st,
		adm:    adm,
		stats:  m,
		logger: logger.Named("gateway"),
		clock:  util.RealClock{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", g.stats.Handler())
	mux.HandleFunc("/ws", g.handleWS)
	return g.withLogging(mux)
}

// ListenAndServe serves on the configured HTTP address until ctx is done.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve stops accepting when ctx is done. Upgraded websocket sessions are not
// tracked by http.Server and keep running, like TCP sessions.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	g.logger.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		g.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// handleWS holds an admission permit for the whole websocket session. The
// permit is taken before the upgrade, so an exhausted pool delays the
// handshake.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	permit, err := g.adm.Acquire(r.Context())
	if err != nil {
		return
	}
	defer permit.Release()
	g.stats.ObserveAdmissionWait(time.Since(start))

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := g.logger.With("conn_id", ulid.Make().String(), "remote", r.RemoteAddr)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("websocket session panicked", "panic", rec)
		}
	}()
	done := g.stats.SessionStarted(stats.TransportWebsocket)
	defer done()

	limiter := server.NewLimiter(g.cfg.RateLimit)
	for {
		msgType, msg, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed by peer")
			} else {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		line, tooLong, err := readCommand(msg, g.cfg.MaxLineBytes)
		if err != nil {
			logger.Warn("websocket read failed", "error", err)
			return
		}
		if limiter != nil {
			if err := limiter.Wait(r.Context()); err != nil {
				return
			}
		}

		cmd := protocol.TooLong()
		if !tooLong {
			cmd = protocol.Parse(line, g.clock.Now())
		}
		resp := server.Dispatch(g.st, g.stats, cmd)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(resp.Line())); err != nil {
			logger.Warn("websocket write failed, closing session", "error", err)
			return
		}
	}
}

// readCommand buffers at most limit bytes of one message, ignoring a trailing
// line terminator. Anything longer is drained and reported as tooLong.
func readCommand(msg io.Reader, limit int) (line []byte, tooLong bool, err error) {
	raw, err := io.ReadAll(io.LimitReader(msg, int64(limit)+3))
	if err != nil {
		return nil, false, err
	}
	rest, err := io.Copy(io.Discard, msg)
	if err != nil {
		return nil, false, err
	}
	line = bytes.TrimRight(raw, "\r\n")
	if rest > 0 || len(line) > limit {
		return nil, true, nil
	}
	return line, false, nil
}
