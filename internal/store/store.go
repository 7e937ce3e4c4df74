// Package store persists climatology artifacts so that update runs can reuse
// the baseline computed by an earlier creation run.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chrissnell/insituqc/internal/climatology"
	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/pkg/config"
)

// ErrNotFound is returned by Load when no artifact exists for a key.
var ErrNotFound = errors.New("climatology artifact not found")

// Key identifies the artifact of one variable of one platform.
type Key struct {
	Platform string
	Variable string
}

func (k Key) String() string {
	return k.Platform + "/" + k.Variable
}

var nameReplacer = strings.NewReplacer("/", "_", `\`, "_", " ", "_")

// SanitizeName maps a platform code or variable name onto a single path
// component: separators and blanks become underscores and the names "."
// and ".." gain a leading underscore.
func SanitizeName(s string) string {
	s = nameReplacer.Replace(s)
	if s == "." || s == ".." {
		return "_" + s
	}
	return s
}

// NewKey returns the key of a platform variable with both parts sanitized.
func NewKey(platform, variable string) Key {
	return Key{Platform: SanitizeName(platform), Variable: SanitizeName(variable)}
}

// Validate rejects keys that cannot be stored. Keys built by NewKey from
// non-empty names are always valid.
func (k Key) Validate() error {
	if k.Platform == "" || k.Variable == "" {
		return fmt.Errorf("invalid artifact key %q: platform and variable are required", k.String())
	}
	for _, part := range []string{k.Platform, k.Variable} {
		if strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return fmt.Errorf("invalid artifact key %q: %q is not a single path component", k.String(), part)
		}
	}
	return nil
}

// ClimatologyStore loads and saves climatology artifacts.
type ClimatologyStore interface {
	Load(ctx context.Context, key Key) (*climatology.Artifact, error)
	Save(ctx context.Context, key Key, a *climatology.Artifact) error
	Close() error
}

// New creates the store selected by cfg.Backend.
func New(cfg config.StoreData, logger *zap.SugaredLogger) (ClimatologyStore, error) {
	logger = log.OrNop(logger)
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Path, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.ConnectionString, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", cfg.Backend)
	}
}
