package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/devosoft/avida-bridge/pkg/config"
)

// Sink delivers records to one diagnostic destination. Write is only ever
// called from the mirror's writer goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	Close() error
}

// MultiSink fans each record out to several sinks. Every sink is attempted;
// the first error is returned.
type MultiSink []Sink

func (m MultiSink) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var first error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil && first == nil {
			first = fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return first
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Sink registry ---

// Factory builds a sink from diagnostics settings.
type Factory func(cfg config.DiagnosticsConfig) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a sink available to Build under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// RegisteredNames returns all registered sink names.
func RegisteredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the named sinks. Names found in extra are taken from there
// instead of the registry (sinks owned by the caller, e.g. the gateway hub).
// Sinks already built are closed if a later one fails.
func Build(names []string, cfg config.DiagnosticsConfig, extra map[string]Sink) (Sink, error) {
	var built MultiSink
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if s, ok := extra[name]; ok {
			built = append(built, s)
			continue
		}
		registryMu.RLock()
		f, ok := registry[name]
		registryMu.RUnlock()
		if !ok {
			built.Close()
			return nil, fmt.Errorf("unknown diagnostics sink %q (known: %v)", name, RegisteredNames())
		}
		s, err := f(cfg)
		if err != nil {
			built.Close()
			return nil, fmt.Errorf("create diagnostics sink %q: %w", name, err)
		}
		built = append(built, s)
	}
	switch len(built) {
	case 0:
		return nil, fmt.Errorf("no diagnostics sinks configured")
	case 1:
		return built[0], nil
	}
	return built, nil
}

func init() {
	Register("ws", func(cfg config.DiagnosticsConfig) (Sink, error) {
		return NewWSSink(cfg.Endpoint, WSOptions{
			ReconnectMin: cfg.ReconnectMin,
			ReconnectMax: cfg.ReconnectMax,
		}), nil
	})
	Register("journal", func(cfg config.DiagnosticsConfig) (Sink, error) {
		return OpenJournal(cfg.JournalPath)
	})
}
