package admission

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/infodancer/burngate/internal/metrics"
	"github.com/infodancer/burngate/internal/smtp"
)

type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) CheckAndIncrement(ip string) bool { return f.allow }

type recordingEngine struct {
	mu    sync.Mutex
	count int
	delay time.Duration
}

func (e *recordingEngine) Run(ctx context.Context, c *smtp.Conn) {
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
		}
	}
	c.Close()
}

func (e *recordingEngine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type alwaysAcceptLookup struct{}

func (alwaysAcceptLookup) ShouldAccept(ctx context.Context, address string) bool { return true }

type noopRelayer struct{}

func (noopRelayer) Relay(ctx context.Context, sender string, recipients []string, message []byte) error {
	return nil
}

// TestSessionTimeoutClosesStalledConnection drives a real *smtp.Engine
// through the Controller, rather than the recordingEngine the other tests
// in this file use, so
// that the timeout-to-socket-deadline wiring in handle() is exercised the
// same way a stalled production client would hit it: a client that reads
// the banner and then sends nothing must have its connection dropped once
// ConnectionTimeout elapses, not held open forever.
func TestSessionTimeoutClosesStalledConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	engine := smtp.New(smtp.Config{
		ServerName:    "burngate.test",
		MaxLineLength: 1000,
	}, alwaysAcceptLookup{}, noopRelayer{}, &metrics.NoopCollector{})

	const timeout = 200 * time.Millisecond
	ctrl := New(Config{MaxConnections: 1, ConnectionTimeout: timeout}, nil, engine, &metrics.NoopCollector{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- ctrl.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read banner: %v", err)
	}

	// Send nothing further. The session is now blocked inside readLine's
	// ReadByte call; only the socket deadline set from ConnectionTimeout
	// can unblock it.
	conn.SetReadDeadline(time.Now().Add(timeout + 2*time.Second))
	n, err := conn.Read(buf)
	if err == nil {
		t.Fatalf("expected connection to be closed after timeout, got %d more bytes: %q", n, buf[:n])
	}

	cancel()
	ln.Close()
	<-serveDone
}

func TestServeDispatchesAcceptedConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	engine := &recordingEngine{}
	collector := &metrics.NoopCollector{}
	ctrl := New(Config{MaxConnections: 2, ConnectionTimeout: 2 * time.Second}, nil, engine, collector, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- ctrl.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for engine.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if engine.Count() != 1 {
		t.Fatalf("expected engine invoked once, got %d", engine.Count())
	}

	cancel()
	ln.Close()
	<-serveDone
}

func TestAdmitRejectsOverIPLimit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	engine := &recordingEngine{}
	collector := &metrics.NoopCollector{}
	limiter := &fakeLimiter{allow: false}
	ctrl := New(Config{MaxConnections: 1, ConnectionTimeout: time.Second}, limiter, engine, collector, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- ctrl.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(buf[:n])
	want := "421 4.7.0 Too many connections from your IP\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if engine.Count() != 0 {
		t.Fatalf("expected engine not invoked, got %d calls", engine.Count())
	}

	cancel()
	ln.Close()
	<-serveDone
}

func TestGlobalSemaphoreBoundsConcurrency(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	engine := &recordingEngine{delay: 300 * time.Millisecond}
	collector := &metrics.NoopCollector{}
	ctrl := New(Config{MaxConnections: 1, ConnectionTimeout: 2 * time.Second}, nil, engine, collector, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- ctrl.Serve(ctx, ln) }()

	var conns []net.Conn
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if got := engine.Count(); got > 1 {
		t.Fatalf("expected at most 1 concurrent session under the semaphore, got %d", got)
	}

	cancel()
	ln.Close()
	<-serveDone
}

func TestZeroMaxConnectionsIsUnbounded(t *testing.T) {
	ctrl := New(Config{MaxConnections: 0, ConnectionTimeout: time.Second}, nil, &recordingEngine{}, &metrics.NoopCollector{}, discardLogger())
	if ctrl.sem != nil {
		t.Fatal("expected nil semaphore channel when MaxConnections is 0")
	}
}
