package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newResourceRoot builds a packaged-style resource bundle in a temp dir:
// bin/node, server/server.js, and pty-sidecar.cjs.
func newResourceRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "node"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "cloudflared"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "server", "server.js"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pty-sidecar.cjs"), []byte(""), 0o644))
	return root
}

func packagedConfig(root string) Config {
	return Config{
		Mode:             Packaged,
		ResourceRoot:     root,
		LogDir:           filepath.Join(root, "log"),
		PrimaryPort:      3456,
		AuxiliaryEnabled: true,
		AuxiliaryPort:    3457,
		TunnelBinary:     "cloudflared",
		TunnelDomain:     "trycloudflare.com",
		TunnelProtocol:   "http2",
	}
}

func TestPrimarySpec_Packaged(t *testing.T) {
	root := newResourceRoot(t)
	cfg := packagedConfig(root)

	spec, err := cfg.primarySpec()
	require.NoError(t, err)

	require.Equal(t, Primary, spec.Kind)
	require.Equal(t, filepath.Join(root, "bin", "node"), spec.Path)
	require.Equal(t, []string{filepath.Join(root, "server", "server.js")}, spec.Args)
	require.Equal(t, filepath.Join(root, "server"), spec.Dir)

	require.Equal(t, "production", spec.Env["NODE_ENV"])
	require.Equal(t, "3456", spec.Env["PORT"])
	require.Equal(t, "sidecar", spec.SoftEnv["PTY_BACKEND"])
	require.Equal(t, "http://127.0.0.1:3457", spec.SoftEnv["PTY_SIDECAR_URL"])
	require.Equal(t, filepath.Join(root, "log", "server.log"), spec.SoftEnv["SERVER_LOG"])
	require.ElementsMatch(t, npmScrub, spec.DropEnv)
}

func TestPrimarySpec_MissingNode(t *testing.T) {
	root := newResourceRoot(t)
	require.NoError(t, os.Remove(filepath.Join(root, "bin", "node")))

	_, err := packagedConfig(root).primarySpec()

	var missing *MissingBinaryError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, filepath.Join(root, "bin", "node"), missing.Path)
}

func TestPrimarySpec_MissingServerEntry(t *testing.T) {
	root := newResourceRoot(t)
	require.NoError(t, os.Remove(filepath.Join(root, "server", "server.js")))

	_, err := packagedConfig(root).primarySpec()

	var missing *MissingBinaryError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, filepath.Join(root, "server", "server.js"), missing.Path)
}

func TestPrimarySpec_SidecarDisabledOmitsPTYEnv(t *testing.T) {
	cfg := packagedConfig(newResourceRoot(t))
	cfg.AuxiliaryEnabled = false

	spec, err := cfg.primarySpec()
	require.NoError(t, err)
	require.NotContains(t, spec.SoftEnv, "PTY_BACKEND")
	require.NotContains(t, spec.SoftEnv, "PTY_SIDECAR_URL")
}

func TestTunnelSpec_ArgsAndTokenScrub(t *testing.T) {
	root := newResourceRoot(t)
	cfg := packagedConfig(root)
	// Bundle the tunnel client so resolution does not depend on PATH.
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "cloudflared"), []byte("#!/bin/sh\n"), 0o755))

	spec, err := cfg.tunnelSpec()
	require.NoError(t, err)

	require.Equal(t, filepath.Join(root, "bin", "cloudflared"), spec.Path)
	require.Equal(t, []string{
		"tunnel",
		"--url", "http://127.0.0.1:3456",
		"--no-autoupdate",
		"--protocol", "http2",
	}, spec.Args)
	require.Contains(t, spec.DropEnv, "TUNNEL_TOKEN")
}

func TestAuxiliarySpec_Packaged(t *testing.T) {
	root := newResourceRoot(t)

	spec, err := packagedConfig(root).auxiliarySpec()
	require.NoError(t, err)

	require.Equal(t, Auxiliary, spec.Kind)
	require.Equal(t, filepath.Join(root, "bin", "node"), spec.Path)
	require.Equal(t, []string{filepath.Join(root, "pty-sidecar.cjs")}, spec.Args)
	require.Equal(t, "production", spec.Env["NODE_ENV"])
	require.Equal(t, filepath.Join(root, "server", "node_modules"), spec.Env["NODE_PATH"])
	require.Equal(t, filepath.Join(root, "log", "pty-sidecar.log"), spec.Env["PTY_SIDECAR_LOG"])
}

func TestLaunchSpecEnviron(t *testing.T) {
	spec := LaunchSpec{
		Env:     map[string]string{"PORT": "3456"},
		SoftEnv: map[string]string{"SERVER_LOG": "/tmp/server.log"},
		DropEnv: []string{"TUNNEL_TOKEN", "npm_config_prefix"},
	}

	parent := []string{
		"HOME=/home/dev",
		"TUNNEL_TOKEN=secret",
		"npm_config_prefix=/usr/local",
		"PORT=9999",
		"SERVER_LOG=/custom/server.log",
	}
	env := spec.environ(parent)

	require.Contains(t, env, "HOME=/home/dev")
	require.Contains(t, env, "PORT=3456")
	require.NotContains(t, env, "PORT=9999")
	require.NotContains(t, env, "TUNNEL_TOKEN=secret")
	require.NotContains(t, env, "npm_config_prefix=/usr/local")

	// Soft entries yield to the parent environment.
	require.Contains(t, env, "SERVER_LOG=/custom/server.log")
	require.NotContains(t, env, "SERVER_LOG=/tmp/server.log")

	// And apply when the parent does not define them.
	env = spec.environ([]string{"HOME=/home/dev"})
	require.Contains(t, env, "SERVER_LOG=/tmp/server.log")
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"), []byte("{}"), 0o644))
	nested := filepath.Join(root, "client", "src")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := findProjectRoot(nested)
	require.NoError(t, err)

	// Temp dirs may sit behind symlinks (macOS /var -> /private/var).
	wantInfo, err := os.Stat(root)
	require.NoError(t, err)
	gotInfo, err := os.Stat(found)
	require.NoError(t, err)
	require.True(t, os.SameFile(wantInfo, gotInfo))
}

func TestFindProjectRoot_NotFound(t *testing.T) {
	_, err := findProjectRoot(t.TempDir())
	require.ErrorIs(t, err, ErrNoProjectRoot)
}
