package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/termtunnel/termtunnel/internal/log"
)

// settleDelay gives the kernel time to release sockets after orphan kills so
// the fresh workers can bind their ports.
const settleDelay = 500 * time.Millisecond

// orphanPatterns are the pkill -f patterns for workers a previous run may
// have left behind.
func (c Config) orphanPatterns() []string {
	patterns := []string{c.TunnelBinary + " tunnel"}
	if c.Mode == Development {
		patterns = append(patterns, "npm run dev:server")
	}
	return patterns
}

// cleanOrphans kills leftover workers from a crashed or unclean previous run
// and frees the sidecar port, then waits for the sockets to settle. Failures
// are logged and ignored: a clean system makes every kill a no-op.
func (c Config) cleanOrphans() {
	for _, pattern := range c.orphanPatterns() {
		out, err := exec.Command("pkill", "-f", pattern).CombinedOutput()
		if err != nil {
			// pkill exits 1 when nothing matched.
			log.Debug(log.CatCleanup, "no orphans matched", "pattern", pattern)
		} else {
			log.Info(log.CatCleanup, "killed orphans", "pattern", pattern, "output", strings.TrimSpace(string(out)))
		}
	}

	if c.AuxiliaryEnabled {
		killPortListener(c.AuxiliaryPort)
	}

	time.Sleep(settleDelay)
}

// killPortListener frees a port held by a stale listener, using lsof to find
// the owning pids. Skips silently when lsof is unavailable.
func killPortListener(port int) {
	lsof := lookupLsof()
	if lsof == "" {
		log.Warn(log.CatCleanup, "lsof not found, skipping port cleanup", "port", port)
		return
	}

	out, err := exec.Command(lsof, fmt.Sprintf("-tiTCP:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits non-zero when no process holds the port.
		return
	}

	for _, pid := range strings.Fields(string(out)) {
		if err := exec.Command("kill", "-9", pid).Run(); err != nil {
			log.Warn(log.CatCleanup, "failed to kill port listener", "pid", pid, "port", port, "error", err.Error())
		} else {
			log.Info(log.CatCleanup, "killed port listener", "pid", pid, "port", port)
		}
	}
}

func lookupLsof() string {
	for _, candidate := range []string{"/usr/sbin/lsof", "/usr/bin/lsof"} {
		if fileExists(candidate) {
			return candidate
		}
	}
	if path, err := exec.LookPath("lsof"); err == nil {
		return path
	}
	return ""
}

// terminateDescendants kills the direct children of a worker before the
// worker itself, matching how npm and node wrap their real workloads in
// intermediate processes.
func terminateDescendants(pid int) error {
	return exec.Command("pkill", "-P", fmt.Sprintf("%d", pid)).Run()
}
