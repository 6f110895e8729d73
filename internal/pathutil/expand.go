package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// DirName is the per-user directory holding config and the session database.
const DirName = ".mantora"

// Expand resolves environment variables and a leading "~".
func Expand(path string) (string, error) {
	p := os.ExpandEnv(strings.TrimSpace(path))
	if p == "" {
		return "", nil
	}

	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := Home()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}

	return filepath.Clean(p), nil
}

// Home returns a fully resolved home directory, refusing values that are
// themselves still "~"-relative.
func Home() (string, error) {
	candidates := []func() string{
		func() string { h, _ := os.UserHomeDir(); return h },
		func() string {
			if u, err := user.Current(); err == nil {
				return u.HomeDir
			}
			return ""
		},
	}
	for _, c := range candidates {
		if h := strings.TrimSpace(c()); h != "" && !strings.HasPrefix(h, "~") {
			return h, nil
		}
	}
	return "", fmt.Errorf("home directory is not resolvable")
}

// DataDir is ~/.mantora.
func DataDir() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DirName), nil
}

// DefaultDBPath is ~/.mantora/sessions.db.
func DefaultDBPath() string {
	dir, err := DataDir()
	if err != nil {
		return filepath.Join(DirName, "sessions.db")
	}
	return filepath.Join(dir, "sessions.db")
}

// DefaultConfigPath is ~/.mantora/config.yaml.
func DefaultConfigPath() string {
	dir, err := DataDir()
	if err != nil {
		return filepath.Join(DirName, "config.yaml")
	}
	return filepath.Join(dir, "config.yaml")
}
