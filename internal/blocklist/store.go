package blocklist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tabfence/tabfence/internal/metrics"
	"github.com/tabfence/tabfence/pkg/models"
)

// Store holds the currently installed rule set and manages reloads. A
// missing or corrupt source degrades to an empty set: domain blocking is
// off while the lifecycle gate still fail-closes traffic. That condition
// is surfaced through the degraded gauge and Degraded(), not just a log
// line.
type Store struct {
	path    string
	log     *zap.Logger
	metrics *metrics.Metrics

	current  atomic.Pointer[Set]
	degraded atomic.Bool

	mu sync.Mutex // serializes Load/AddRule/RemoveRule swaps
}

// sourceFile is the on-disk blocklist artifact.
type sourceFile struct {
	Rules []models.BlocklistRule `yaml:"rules"`
}

// NewStore creates a store for the given source path. Call Load to install
// the initial rule set.
func NewStore(path string, log *zap.Logger, m *metrics.Metrics) *Store {
	s := &Store{path: path, log: log, metrics: m}
	s.current.Store(&Set{})
	return s
}

// Current returns the installed rule set. Safe for arbitrary concurrent
// readers; the returned set is immutable.
func (s *Store) Current() *Set {
	return s.current.Load()
}

// Degraded reports whether the store fell back to an empty rule set after
// a failed load.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Load reads and compiles the source file, then swaps it in atomically.
// Failure installs an empty set and marks the store degraded; the error is
// returned so callers can surface it, but the system keeps running.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.read()
	if err != nil {
		s.install(&Set{}, true)
		s.log.Warn("blocklist load failed, running with empty rule set",
			zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("blocklist degraded: %w", err)
	}

	set, err := Compile(rules)
	if err != nil {
		s.install(&Set{}, true)
		s.log.Warn("blocklist compile failed, running with empty rule set",
			zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("blocklist degraded: %w", err)
	}

	s.install(set, false)
	s.log.Info("blocklist loaded",
		zap.String("path", s.path), zap.Int("rules", set.Len()))
	return nil
}

func (s *Store) read() ([]models.BlocklistRule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var src sourceFile
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return src.Rules, nil
}

// install swaps the active set and updates health signals. Callers hold mu.
func (s *Store) install(set *Set, degraded bool) {
	s.current.Store(set)
	s.degraded.Store(degraded)
	if s.metrics != nil {
		s.metrics.BlocklistRules.Set(float64(set.Len()))
		if degraded {
			s.metrics.BlocklistDegraded.Set(1)
		} else {
			s.metrics.BlocklistDegraded.Set(0)
		}
	}
}

// AddRule appends a rule to the installed set. The swap is atomic; in-
// flight lookups see the old or the new set.
func (s *Store) AddRule(rule models.BlocklistRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := append(s.current.Load().Rules(), rule)
	set, err := Compile(rules)
	if err != nil {
		return err
	}
	s.install(set, s.degraded.Load())
	return nil
}

// RemoveRule removes the first rule with the given pattern. Returns false
// when no rule matched.
func (s *Store) RemoveRule(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.current.Load().Rules()
	for i, r := range rules {
		if r.DomainPattern == pattern {
			rules = append(rules[:i], rules[i+1:]...)
			set, err := Compile(rules)
			if err != nil {
				return false
			}
			s.install(set, s.degraded.Load())
			return true
		}
	}
	return false
}

// Watch reloads the source whenever the file changes, until ctx is done.
// Change notification replaces interval polling; an explicit Load call
// remains available for administrative reloads.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors and config managers typically replace
	// the file, which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Load(); err != nil {
					s.log.Warn("blocklist reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("blocklist watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
