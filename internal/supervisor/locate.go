package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
)

// findProjectRoot walks upward from start looking for a directory that holds
// both a package.json and a server/ subdirectory. Used in development mode,
// where the supervisor may be invoked from anywhere inside the project tree.
func findProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		pkg := filepath.Join(dir, "package.json")
		srv := filepath.Join(dir, "server")
		if fileExists(pkg) && dirExists(srv) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoProjectRoot
		}
		dir = parent
	}
}

// resolveBundled returns the path of a bundled executable under the resource
// root's bin directory, verifying it exists.
func resolveBundled(resourceRoot, name string) (string, error) {
	path := filepath.Join(resourceRoot, "bin", name)
	if !fileExists(path) {
		return "", &MissingBinaryError{Path: path}
	}
	return path, nil
}

// resolveServerEntry returns the bundled server entry script, verifying it
// exists.
func resolveServerEntry(resourceRoot string) (string, error) {
	path := filepath.Join(resourceRoot, "server", "server.js")
	if !fileExists(path) {
		return "", &MissingBinaryError{Path: path}
	}
	return path, nil
}

// resolveTunnelBinary prefers a bundled copy of the tunnel client and falls
// back to PATH, so a developer with cloudflared installed globally does not
// need a resource bundle.
func resolveTunnelBinary(resourceRoot, name string) (string, error) {
	if resourceRoot != "" {
		bundled := filepath.Join(resourceRoot, "bin", name)
		if fileExists(bundled) {
			return bundled, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &MissingBinaryError{Path: name}
	}
	return path, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
