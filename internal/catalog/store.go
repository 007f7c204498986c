package catalog

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Store publishes immutable Catalog snapshots. Readers take the current
// pointer once per request and keep classifying against that snapshot
// even if a reload publishes a newer version mid-flight. Reloads
// serialize; a failed reload leaves the live snapshot untouched.
type Store struct {
	logger  *logrus.Logger
	loader  *Loader
	current atomic.Pointer[Catalog]

	reloadMu sync.Mutex

	// onSwap, when set, runs after each successful publish. The engine
	// uses it to drop the catalog-scoped normalization cache.
	onSwap func(*Catalog)
}

// NewStore loads the catalog at path and returns a store publishing it.
func NewStore(logger *logrus.Logger, loader *Loader, path string) (*Store, error) {
	s := &Store{logger: logger, loader: loader}
	cat, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(cat)
	return s, nil
}

// OnSwap registers a callback invoked after every successful reload.
// Must be called before the store is shared.
func (s *Store) OnSwap(fn func(*Catalog)) {
	s.onSwap = fn
}

// Current returns the live snapshot. Never nil after a successful
// NewStore; reads never block on reloads.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Reload parses the files under path, validates them as one logical
// catalog and atomically publishes the result. On validation failure the
// returned error lists every violation and the previous snapshot stays
// live. Concurrent Reload calls serialize.
func (s *Store) Reload(path string) (string, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cat, err := s.loader.Load(path)
	if err != nil {
		s.logger.WithError(err).Warn("Catalog reload rejected, keeping live snapshot")
		return "", err
	}

	prev := s.current.Swap(cat)
	if s.onSwap != nil {
		s.onSwap(cat)
	}

	fields := logrus.Fields{"version": cat.Version}
	if prev != nil {
		fields["previous"] = prev.Version
	}
	s.logger.WithFields(fields).Info("Catalog reloaded")
	return cat.Version, nil
}
