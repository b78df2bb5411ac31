package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	prefixEnv    = "env:"
	prefixSealed = "sealed:"
)

var (
	ErrUnsupportedSource = errors.New("unsupported key source")
	ErrKeyNotSet         = errors.New("key source is not set")
	ErrNoSealer          = errors.New("sealed key source requires master keys")
)

// Resolver turns a profile key source into the key itself. Sources are
// "env:NAME" for a plain variable and "sealed:NAME" for a variable holding a
// sealed envelope.
type Resolver struct {
	sealer *Sealer
	lookup func(string) (string, bool)
}

// NewResolver reads the process environment when lookup is nil. sealer may be
// nil when no sealed sources are used.
func NewResolver(sealer *Sealer, lookup func(string) (string, bool)) *Resolver {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Resolver{sealer: sealer, lookup: lookup}
}

func (r *Resolver) Resolve(source string) (string, error) {
	switch {
	case source == "":
		return "", nil
	case strings.HasPrefix(source, prefixEnv):
		return r.env(strings.TrimPrefix(source, prefixEnv))
	case strings.HasPrefix(source, prefixSealed):
		name := strings.TrimPrefix(source, prefixSealed)
		if r.sealer == nil {
			return "", fmt.Errorf("%w: %s", ErrNoSealer, source)
		}
		raw, err := r.env(name)
		if err != nil {
			return "", err
		}
		return r.sealer.Open(name, raw)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}
}

// NeedsSealer reports whether any of the sources is sealed.
func NeedsSealer(sources []string) bool {
	for _, s := range sources {
		if strings.HasPrefix(s, prefixSealed) {
			return true
		}
	}
	return false
}

func (r *Resolver) env(name string) (string, error) {
	v, ok := r.lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrKeyNotSet, name)
	}
	return strings.TrimSpace(v), nil
}
