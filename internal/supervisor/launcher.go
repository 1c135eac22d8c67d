package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// npmScrub lists npm configuration variables stripped from every worker's
// environment. Inherited npm prefixes from version managers break the
// bundled node's module resolution.
var npmScrub = []string{
	"npm_config_prefix",
	"NPM_CONFIG_PREFIX",
	"npm_config_userconfig",
	"NPM_CONFIG_USERCONFIG",
	"npm_config_globalconfig",
	"NPM_CONFIG_GLOBALCONFIG",
}

// LaunchSpec is a fully resolved worker launch: executable, arguments,
// working directory, and environment edits against the parent environment.
// Specs are value types; builders return them complete and nothing mutates
// them afterwards.
type LaunchSpec struct {
	Kind WorkerKind
	Path string
	Args []string
	Dir  string

	// Env entries are always set, overriding the parent environment.
	Env map[string]string
	// SoftEnv entries are set only when the parent environment does not
	// already define them, so operators can override per-run.
	SoftEnv map[string]string
	// DropEnv names variables removed from the parent environment.
	DropEnv []string
}

// environ composes the child environment from the parent's.
func (s LaunchSpec) environ(parent []string) []string {
	drop := make(map[string]bool, len(s.DropEnv)+len(s.Env))
	for _, k := range s.DropEnv {
		drop[k] = true
	}
	for k := range s.Env {
		drop[k] = true
	}

	present := make(map[string]bool, len(parent))
	out := make([]string, 0, len(parent)+len(s.Env)+len(s.SoftEnv))
	for _, kv := range parent {
		key, _, _ := strings.Cut(kv, "=")
		present[key] = true
		if drop[key] {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	for k, v := range s.SoftEnv {
		if !present[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// CommandFactory builds the exec.Cmd for a launch spec. Tests substitute a
// factory that produces harmless commands.
type CommandFactory func(spec LaunchSpec) *exec.Cmd

func defaultCommandFactory(spec LaunchSpec) *exec.Cmd {
	cmd := exec.Command(spec.Path, spec.Args...) // #nosec G204 -- paths come from resolved launch specs
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ(os.Environ())
	return cmd
}

// Launcher spawns worker processes with piped output.
type Launcher struct {
	factory CommandFactory
}

// NewLauncher returns a launcher using the given factory, or the real
// exec.Command factory when nil.
func NewLauncher(factory CommandFactory) *Launcher {
	if factory == nil {
		factory = defaultCommandFactory
	}
	return &Launcher{factory: factory}
}

// Start spawns the worker and returns its handle along with stdout and
// stderr pipes. The caller owns the pipes and must drain them.
func (l *Launcher) Start(spec LaunchSpec) (*Handle, io.ReadCloser, io.ReadCloser, error) {
	cmd := l.factory(spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, &SpawnError{Kind: spec.Kind, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, &SpawnError{Kind: spec.Kind, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, &SpawnError{Kind: spec.Kind, Err: err}
	}

	return &Handle{Cmd: cmd, PID: cmd.Process.Pid}, stdout, stderr, nil
}

// primarySpec resolves the primary backend launch for the configured mode.
func (c Config) primarySpec() (LaunchSpec, error) {
	spec := LaunchSpec{
		Kind:    Primary,
		Env:     map[string]string{},
		SoftEnv: map[string]string{},
		DropEnv: append([]string{}, npmScrub...),
	}

	if c.AuxiliaryEnabled {
		spec.SoftEnv["PTY_BACKEND"] = "sidecar"
		spec.SoftEnv["PTY_SIDECAR_URL"] = fmt.Sprintf("http://127.0.0.1:%d", c.AuxiliaryPort)
	}
	if c.LogDir != "" {
		spec.SoftEnv["SERVER_LOG"] = filepath.Join(c.LogDir, "server.log")
		spec.SoftEnv["PTY_SIDECAR_LOG"] = filepath.Join(c.LogDir, "pty-sidecar.log")
	}

	switch c.Mode {
	case Packaged:
		node, err := resolveBundled(c.ResourceRoot, "node")
		if err != nil {
			return LaunchSpec{}, err
		}
		entry, err := resolveServerEntry(c.ResourceRoot)
		if err != nil {
			return LaunchSpec{}, err
		}
		spec.Path = node
		spec.Args = []string{entry}
		spec.Dir = filepath.Join(c.ResourceRoot, "server")
		spec.Env["NODE_ENV"] = "production"
		spec.Env["PORT"] = fmt.Sprintf("%d", c.PrimaryPort)
	default:
		root, err := c.projectRoot()
		if err != nil {
			return LaunchSpec{}, err
		}
		npm, err := exec.LookPath("npm")
		if err != nil {
			return LaunchSpec{}, &MissingBinaryError{Path: "npm"}
		}
		spec.Path = npm
		spec.Args = []string{"run", "dev:server"}
		spec.Dir = root
		spec.Env["MT_FORCE_RESTART"] = "1"
	}
	return spec, nil
}

// tunnelSpec resolves the tunnel client launch. The target URL always points
// at the local primary port; TUNNEL_TOKEN is stripped so a leftover named
// tunnel credential can never hijack the quick tunnel.
func (c Config) tunnelSpec() (LaunchSpec, error) {
	bin, err := resolveTunnelBinary(c.ResourceRoot, c.TunnelBinary)
	if err != nil {
		return LaunchSpec{}, err
	}
	return LaunchSpec{
		Kind: Tunnel,
		Path: bin,
		Args: []string{
			"tunnel",
			"--url", fmt.Sprintf("http://127.0.0.1:%d", c.PrimaryPort),
			"--no-autoupdate",
			"--protocol", c.TunnelProtocol,
		},
		DropEnv: []string{"TUNNEL_TOKEN"},
	}, nil
}

// auxiliarySpec resolves the PTY sidecar launch for the configured mode.
func (c Config) auxiliarySpec() (LaunchSpec, error) {
	spec := LaunchSpec{
		Kind:    Auxiliary,
		Env:     map[string]string{},
		DropEnv: append([]string{}, npmScrub...),
	}
	if c.LogDir != "" {
		spec.Env["PTY_SIDECAR_LOG"] = filepath.Join(c.LogDir, "pty-sidecar.log")
	}

	switch c.Mode {
	case Packaged:
		node, err := resolveBundled(c.ResourceRoot, "node")
		if err != nil {
			return LaunchSpec{}, err
		}
		script := filepath.Join(c.ResourceRoot, "pty-sidecar.cjs")
		if !fileExists(script) {
			return LaunchSpec{}, &MissingBinaryError{Path: script}
		}
		spec.Path = node
		spec.Args = []string{script}
		spec.Dir = filepath.Join(c.ResourceRoot, "server")
		spec.Env["NODE_ENV"] = "production"
		spec.Env["NODE_PATH"] = filepath.Join(c.ResourceRoot, "server", "node_modules")
	default:
		root, err := c.projectRoot()
		if err != nil {
			return LaunchSpec{}, err
		}
		script := filepath.Join(root, "pty-sidecar.cjs")
		if !fileExists(script) {
			return LaunchSpec{}, &MissingBinaryError{Path: script}
		}
		node, err := exec.LookPath("node")
		if err != nil {
			return LaunchSpec{}, &MissingBinaryError{Path: "node"}
		}
		spec.Path = node
		spec.Args = []string{script}
		spec.Dir = root
		spec.Env["NODE_ENV"] = "development"
		spec.Env["PTY_SIDECAR_HOST"] = "127.0.0.1"
		spec.Env["PTY_SIDECAR_PORT"] = fmt.Sprintf("%d", c.AuxiliaryPort)
	}
	return spec, nil
}

func (c Config) projectRoot() (string, error) {
	start := c.ProjectDir
	if start == "" {
		start = "."
	}
	return findProjectRoot(start)
}
