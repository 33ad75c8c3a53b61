package keys

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/config"
)

const (
	keyDirPerm  = 0o700
	keyFileMask = 0o077
)

// keyGuard enforces permissions on the key directory and writes an audit
// line for every key that is created or loaded.
type keyGuard struct {
	dir string
	log zerolog.Logger
}

func newKeyGuard(dir string, logger zerolog.Logger) *keyGuard {
	return &keyGuard{
		dir: dir,
		log: logger.With().Str("component", "key_guard").Logger(),
	}
}

// ensureDir creates the key directory as 0700 or tightens an existing one.
func (g *keyGuard) ensureDir() error {
	if g.dir == "" {
		return fmt.Errorf("key directory is empty")
	}

	info, err := os.Stat(g.dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(g.dir, keyDirPerm); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to check key directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("key path is not a directory: %s", g.dir)
	}

	if perm := info.Mode().Perm(); perm != keyDirPerm {
		if err := os.Chmod(g.dir, keyDirPerm); err != nil {
			return fmt.Errorf("failed to tighten key directory permissions: %w", err)
		}
		g.log.Warn().Str("path", g.dir).Str("was", perm.String()).Msg("tightened key directory permissions to 0700")
	}
	return nil
}

// checkFile rejects key files readable by group or others.
func (g *keyGuard) checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to check key file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("key path is a directory: %s", path)
	}
	if perm := info.Mode().Perm(); perm&keyFileMask != 0 {
		return fmt.Errorf("key file %s has insecure permissions %s (should be 600)", path, perm)
	}
	return nil
}

func (g *keyGuard) audit(op string, kind config.ChainKind, path string, opErr error) {
	ev := g.log.Info()
	if opErr != nil {
		ev = g.log.Error().Err(opErr)
	}
	if fp, err := fingerprint(path); err == nil {
		ev = ev.Str("fingerprint", fp)
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	ev.Str("operation", op).
		Str("kind", string(kind)).
		Str("path", path).
		Str("user", user).
		Msg("key audit")
}

// fingerprint is a short sha256 of the key file, safe to log.
func fingerprint(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum[:8]), nil
}
