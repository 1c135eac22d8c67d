package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// healthServer is a scripted health endpoint: it refuses (by answering 503)
// until the configured attempt number, then answers 200 with a status body.
type healthServer struct {
	ln        net.Listener
	hits      atomic.Int32
	healthyAt int32
}

func newHealthServer(t *testing.T, healthyAt int32) *healthServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &healthServer{ln: ln, healthyAt: healthyAt}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *healthServer) serve(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 1024)
	_, _ = conn.Read(buf)

	n := s.hits.Add(1)
	if n >= s.healthyAt {
		body := `{"status":"ok"}`
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	} else {
		fmt.Fprint(conn, "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	}
}

func (s *healthServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func TestProber_WaitReady_SucceedsOnLaterAttempt(t *testing.T) {
	srv := newHealthServer(t, 3)
	p := NewProber(srv.port())

	start := time.Now()
	ok := p.WaitReady(context.Background(), 3, 20*time.Millisecond)
	require.True(t, ok)
	// Two failed attempts mean at least two inter-attempt delays.
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.EqualValues(t, 3, srv.hits.Load())
}

func TestProber_WaitReady_ExhaustsAttempts(t *testing.T) {
	srv := newHealthServer(t, 100)
	p := NewProber(srv.port())

	ok := p.WaitReady(context.Background(), 2, 5*time.Millisecond)
	require.False(t, ok)
	require.EqualValues(t, 2, srv.hits.Load())
}

func TestProber_NoListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := NewProber(port)
	require.False(t, p.Probe())
}

func TestProber_HalfUpServerFailsReadDeadline(t *testing.T) {
	// Accepts connections but never writes a response.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	p := NewProber(ln.Addr().(*net.TCPAddr).Port)
	p.ReadTimeout = 50 * time.Millisecond
	require.False(t, p.Probe())
}

func TestProber_WaitReady_ContextCancelled(t *testing.T) {
	srv := newHealthServer(t, 100)
	p := NewProber(srv.port())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, p.WaitReady(ctx, 10, 10*time.Millisecond))
	require.EqualValues(t, 0, srv.hits.Load())
}
