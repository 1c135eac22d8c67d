package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/termtunnel/termtunnel/internal/log"
)

const maxLogLine = 1024 * 1024

// LogWatcher scans a tunnel client's output streams for the public quick-
// tunnel URL. Both stdout and stderr are scanned because the client logs to
// either depending on version; the first match wins exactly once.
type LogWatcher struct {
	urlRe *regexp.Regexp
	found atomic.Bool
	ready chan string

	// OnErrorMark, when set, receives lines carrying the quick-tunnel error
	// marker. Called from the scanner goroutines.
	OnErrorMark func(line string)
}

// NewLogWatcher builds a watcher matching URLs under the given quick-tunnel
// domain.
func NewLogWatcher(domain string) *LogWatcher {
	re := regexp.MustCompile(`https://[a-zA-Z0-9-]+\.` + regexp.QuoteMeta(domain))
	return &LogWatcher{
		urlRe: re,
		ready: make(chan string, 1),
	}
}

// Watch starts one scanner goroutine per stream. The goroutines exit when
// their stream closes, which happens when the process dies.
func (w *LogWatcher) Watch(stdout, stderr io.Reader) {
	go w.scan("stdout", stdout)
	go w.scan("stderr", stderr)
}

func (w *LogWatcher) scan(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		line := sc.Text()

		if !w.found.Load() {
			if url := w.urlRe.FindString(line); url != "" {
				// CompareAndSwap makes discovery exactly-once across the
				// two concurrent scanners.
				if w.found.CompareAndSwap(false, true) {
					log.Info(log.CatWatch, "tunnel url discovered", "stream", stream, "url", url)
					w.ready <- url
				}
			}
		}

		if strings.Contains(line, "QuickTunnel") {
			log.Warn(log.CatWatch, "quick tunnel warning", "line", line)
			if w.OnErrorMark != nil {
				w.OnErrorMark(line)
			}
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn(log.CatWatch, "scanner stopped", "stream", stream, "error", err.Error())
	}
}

// Wait blocks until a URL is discovered or the timeout elapses.
func (w *LogWatcher) Wait(timeout time.Duration) (string, error) {
	select {
	case url := <-w.ready:
		return url, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("%w after %s", ErrTunnelReadinessTimeout, timeout)
	}
}

// Found reports whether a URL has been discovered.
func (w *LogWatcher) Found() bool {
	return w.found.Load()
}

// relayOutput drains a non-tunnel worker's stream into the structured log so
// backend output is preserved even when the worker manages its own log file.
func relayOutput(kind WorkerKind, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		log.Debug(log.CatWatch, "worker output", "worker", kind.String(), "stream", stream, "line", sc.Text())
	}
}
