package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/loganszeto/linekv/internal/admission"
	"github.com/loganszeto/linekv/internal/config"
	"github.com/loganszeto/linekv/internal/store"
	"github.com/loganszeto/linekv/internal/util"
)

type testServer struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func newTestServer(t *testing.T, cfg config.Config, st store.Store) *Server {
	t.Helper()
	adm, err := admission.New(cfg.MaxConns)
	if err != nil {
		t.Fatalf("admission: %v", err)
	}
	return New(cfg, st, adm, nil, nil)
}

func run(t *testing.T, srv *Server) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{srv: srv, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-ts.done
	})
	return ts
}

func startServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	return run(t, newTestServer(t, cfg, store.New(store.Options{})))
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (c *client) read(t *testing.T) string {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimSuffix(reply, "\n")
}

func (c *client) do(t *testing.T, line string) string {
	t.Helper()
	c.send(t, line)
	return c.read(t)
}

func TestSetUpdateGetDelScenario(t *testing.T) {
	ts := startServer(t, config.Defaults())
	c := dial(t, ts.addr)

	steps := []struct{ line, want string }{
		{"SET a 1", "OK"},
		{"SET a 2", "Updated"},
		{"GET a", "2"},
		{"DEL a", "1"},
		{"GET a", "(nil)"},
	}
	for _, step := range steps {
		if got := c.do(t, step.line); got != step.want {
			t.Fatalf("%s: got %q, want %q", step.line, got, step.want)
		}
	}
}

func TestBadCommandsKeepSessionOpen(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxLineBytes = 32
	ts := startServer(t, cfg)
	c := dial(t, ts.addr)

	steps := []struct{ line, want string }{
		{"FOO bar", "ERR unknown command 'FOO'"},
		{"get a", "ERR unknown command 'get'"},
		{"", "ERR empty command"},
		{"   ", "ERR empty command"},
		{"GET", "ERR wrong number of arguments for 'GET' command"},
		{"SET k v NX XX", "ERR syntax error"},
		{"EXPIREAT k soon", "ERR value is not an integer or out of range"},
		{"\xff\xfe", "ERR invalid UTF-8"},
		{strings.Repeat("x", 100), "ERR command too long"},
		{"PING", "PONG"},
	}
	for _, step := range steps {
		if got := c.do(t, step.line); got != step.want {
			t.Fatalf("%q: got %q, want %q", step.line, got, step.want)
		}
	}
}

func TestCRLFAndPipelining(t *testing.T) {
	ts := startServer(t, config.Defaults())
	c := dial(t, ts.addr)

	if _, err := io.WriteString(c.conn, "SET k v\r\nGET k\r\nPING\r\n"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"OK", "v", "PONG"} {
		if got := c.read(t); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestAdmissionBlocksSecondSession(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConns = 1
	ts := startServer(t, cfg)

	first := dial(t, ts.addr)
	if got := first.do(t, "PING"); got != "PONG" {
		t.Fatalf("first: %q", got)
	}

	second := dial(t, ts.addr)
	second.send(t, "PING")
	_ = second.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, err := second.r.ReadString('\n'); err == nil {
		t.Fatal("second session was served while the only permit was held")
	}

	_ = first.conn.Close()
	if got := second.read(t); got != "PONG" {
		t.Fatalf("second after release: %q", got)
	}
}

func TestPermitReleasedAfterPanic(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConns = 1
	ts := run(t, newTestServer(t, cfg, panicStore{store.New(store.Options{})}))

	first := dial(t, ts.addr)
	first.send(t, "GET boom")
	_ = first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := first.r.ReadString('\n'); err == nil {
		t.Fatal("expected the crashed session to be closed")
	}

	second := dial(t, ts.addr)
	if got := second.do(t, "PING"); got != "PONG" {
		t.Fatalf("permit leaked: %q", got)
	}
}

type panicStore struct {
	*store.MemTable
}

func (panicStore) Get(string) ([]byte, bool) {
	panic("get exploded")
}

type scriptedConn struct {
	net.Conn
	lines  []string
	reads  int
	writes int
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	if c.reads >= len(c.lines) {
		return 0, io.EOF
	}
	n := copy(p, c.lines[c.reads])
	c.reads++
	return n, nil
}

func (c *scriptedConn) Write([]byte) (int, error) {
	c.writes++
	return 0, errors.New("broken pipe")
}

func TestWriteFailureEndsSession(t *testing.T) {
	srv := newTestServer(t, config.Defaults(), store.New(store.Options{}))
	conn := &scriptedConn{lines: []string{"PING\n", "PING\n", "PING\n"}}

	srv.serveConn(context.Background(), conn, hclog.NewNullLogger())

	if conn.writes != 1 {
		t.Fatalf("writes = %d, want 1", conn.writes)
	}
	if conn.reads != 1 {
		t.Fatalf("session kept reading after a failed write: reads = %d", conn.reads)
	}
}

func TestPeerCloseEndsSession(t *testing.T) {
	srv := newTestServer(t, config.Defaults(), store.New(store.Options{}))
	serverSide, clientSide := net.Pipe()

	finished := make(chan struct{})
	go func() {
		srv.serveConn(context.Background(), serverSide, hclog.NewNullLogger())
		close(finished)
	}()

	c := &client{conn: clientSide, r: bufio.NewReader(clientSide)}
	if got := c.do(t, "PING"); got != "PONG" {
		t.Fatalf("got %q", got)
	}
	_ = clientSide.Close()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after peer closed")
	}
}

func TestUnterminatedFinalLineIsServed(t *testing.T) {
	srv := newTestServer(t, config.Defaults(), store.New(store.Options{}))
	conn := &recordingConn{in: strings.NewReader("SET k v\nGET k")}

	srv.serveConn(context.Background(), conn, hclog.NewNullLogger())

	if got := conn.out.String(); got != "OK\nv\n" {
		t.Fatalf("replies = %q", got)
	}
}

type recordingConn struct {
	net.Conn
	in  io.Reader
	out strings.Builder
}

func (c *recordingConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *recordingConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestTTLOverTheWire(t *testing.T) {
	clock := util.NewFakeClock()
	srv := newTestServer(t, config.Defaults(), store.New(store.Options{Clock: clock}))
	srv.clock = clock
	ts := run(t, srv)
	c := dial(t, ts.addr)

	if got := c.do(t, "SET k v PX 100"); got != "OK" {
		t.Fatalf("set: %q", got)
	}
	if got := c.do(t, "TTLMS k"); got != "100" {
		t.Fatalf("ttl: %q", got)
	}
	clock.Advance(100 * time.Millisecond)
	if got := c.do(t, "GET k"); got != "(nil)" {
		t.Fatalf("expired get: %q", got)
	}
	if got := c.do(t, "EXISTS k"); got != "0" {
		t.Fatalf("expired exists: %q", got)
	}
}

func TestShutdownStopsAcceptingOnly(t *testing.T) {
	ts := startServer(t, config.Defaults())
	live := dial(t, ts.addr)
	if got := live.do(t, "SET a 1"); got != "OK" {
		t.Fatalf("set: %q", got)
	}

	ts.cancel()
	select {
	case err := <-ts.done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
		ts.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	if conn, err := net.DialTimeout("tcp", ts.addr, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		t.Fatal("listener still accepting after shutdown")
	}
	if got := live.do(t, "GET a"); got != "1" {
		t.Fatalf("live session after shutdown: %q", got)
	}
}

func TestShutdownGraceClosesIdleSessions(t *testing.T) {
	cfg := config.Defaults()
	cfg.ShutdownGrace = 100 * time.Millisecond
	ts := startServer(t, cfg)
	idle := dial(t, ts.addr)
	if got := idle.do(t, "PING"); got != "PONG" {
		t.Fatalf("ping: %q", got)
	}

	start := time.Now()
	ts.cancel()
	select {
	case <-ts.done:
		ts.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after the grace period")
	}
	if elapsed := time.Since(start); elapsed < cfg.ShutdownGrace {
		t.Fatalf("returned after %v, before the grace period", elapsed)
	}

	_ = idle.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := idle.r.ReadString('\n'); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on the closed session, got %v", err)
	}
	if n := ts.srv.Sessions(); n != 0 {
		t.Fatalf("sessions = %d after drain", n)
	}
}

func TestListenAndServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := config.Defaults()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	srv := newTestServer(t, cfg, store.New(store.Options{}))
	if err := srv.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected bind failure")
	}
}

func TestConcurrentSessions(t *testing.T) {
	ts := startServer(t, config.Defaults())

	const goroutines = 50
	const loops = 50

	var wg sync.WaitGroup
	errCh := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", ts.addr)
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			reader := bufio.NewReader(conn)
			key := fmt.Sprintf("k:%d", id)
			for j := 0; j < loops; j++ {
				if _, err := fmt.Fprintf(conn, "SET %s %d\nGET %s\n", key, j, key); err != nil {
					errCh <- err
					return
				}
				if _, err := reader.ReadString('\n'); err != nil {
					errCh <- err
					return
				}
				got, err := reader.ReadString('\n')
				if err != nil {
					errCh <- err
					return
				}
				if want := fmt.Sprintf("%d\n", j); got != want {
					errCh <- fmt.Errorf("%s: got %q, want %q", key, got, want)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestNewLimiter(t *testing.T) {
	if NewLimiter(0) != nil {
		t.Fatal("zero rate must disable limiting")
	}
	if l := NewLimiter(0.5); l == nil || l.Burst() != 1 {
		t.Fatalf("fractional rate: %v", l)
	}
	if l := NewLimiter(20); l.Burst() != 20 {
		t.Fatalf("burst = %d, want 20", l.Burst())
	}
}

func TestLineLimitBoundary(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxLineBytes = 16
	srv := newTestServer(t, cfg, store.New(store.Options{}))

	cases := []struct{ in, want string }{
		{"ECHO aaaaaaaaaaa\n", "aaaaaaaaaaa\n"},
		{"ECHO aaaaaaaaaaa\r\n", "aaaaaaaaaaa\n"},
		{"ECHO aaaaaaaaaaab\n", "ERR command too long\n"},
		{"ECHO aaaaaaaaaaab\r\n", "ERR command too long\n"},
		{"ECHO aaaaaaaaaaab", "ERR command too long\n"},
	}
	for _, tc := range cases {
		conn := &recordingConn{in: strings.NewReader(tc.in)}
		srv.serveConn(context.Background(), conn, hclog.NewNullLogger())
		if got := conn.out.String(); got != tc.want {
			t.Fatalf("%q: replies %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUnterminatedOverLongFinalLine(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxLineBytes = 32
	srv := newTestServer(t, cfg, store.New(store.Options{}))
	conn := &recordingConn{in: strings.NewReader("PING\n" + strings.Repeat("x", 100))}

	srv.serveConn(context.Background(), conn, hclog.NewNullLogger())

	if got, want := conn.out.String(), "PONG\nERR command too long\n"; got != want {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}
