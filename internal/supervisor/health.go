package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/termtunnel/termtunnel/internal/log"
)

// Prober checks whether the primary backend answers its health endpoint.
// The probe is a raw TCP exchange rather than an http.Client call: the
// contract is "a listener on the port returns an HTTP 200 with a status
// body", and a half-up server that accepts but never responds must fail the
// read deadline instead of hanging a transport.
type Prober struct {
	Addr        string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// NewProber returns a prober for the loopback health endpoint on port.
func NewProber(port int) *Prober {
	return &Prober{
		Addr:        fmt.Sprintf("127.0.0.1:%d", port),
		DialTimeout: time.Second,
		ReadTimeout: 2 * time.Second,
	}
}

// Probe performs a single health check.
func (p *Prober) Probe() bool {
	conn, err := net.DialTimeout("tcp", p.Addr, p.DialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	req := fmt.Sprintf("GET /health HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", p.Addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}

	if err := conn.SetReadDeadline(time.Now().Add(p.ReadTimeout)); err != nil {
		return false
	}
	body, err := io.ReadAll(conn)
	if err != nil && len(body) == 0 {
		return false
	}

	resp := string(body)
	return strings.Contains(resp, "200 OK") && strings.Contains(resp, "status")
}

// WaitReady probes until success, up to attempts tries with delay between
// them (no delay after the final failure). Returns false on context
// cancellation or attempt exhaustion.
func (p *Prober) WaitReady(ctx context.Context, attempts int, delay time.Duration) bool {
	for i := 1; i <= attempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if p.Probe() {
			log.Info(log.CatHealth, "primary healthy", "attempt", i)
			return true
		}
		log.Debug(log.CatHealth, "health probe failed", "attempt", i, "of", attempts)
		if i < attempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}
	}
	return false
}
