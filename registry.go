package wirespool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
)

// HardwareOpener creates the hardware for a new controller. The returned
// func releases it.
type HardwareOpener func(ctx context.Context) (HardwareIO, func(), error)

type ControllerEntry struct {
	controller *SpoolController
	config     *SpoolConfig
	refCount   int64 // Atomic reference counter
	lastError  error
	mu         sync.RWMutex
}

// ControllerRegistry shares one running SpoolController between every
// resource bound to the same board.
type ControllerRegistry struct {
	entries map[string]*ControllerEntry // board name -> entry
	mu      sync.RWMutex
	clock   clock.Clock
}

func NewControllerRegistry() *ControllerRegistry {
	return &ControllerRegistry{
		entries: make(map[string]*ControllerEntry),
		clock:   clock.New(),
	}
}

var sharedRegistry = NewControllerRegistry()

// errControllerReleased marks an entry whose last reference went away between
// lookup and use.
var errControllerReleased = errors.New("controller was released")

// boardOpener builds board-backed hardware for cfg.
func boardOpener(b board.Board, cfg *SpoolConfig, logger logging.Logger) HardwareOpener {
	return func(ctx context.Context) (HardwareIO, func(), error) {
		hw, err := newBoardHardware(ctx, b, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return hw, hw.Close, nil
	}
}

func (r *ControllerRegistry) GetController(ctx context.Context, key string, config *SpoolConfig, open HardwareOpener, logger logging.Logger) (*SpoolController, error) {
	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()

	if exists {
		entry.mu.RLock()
		running := entry.controller != nil
		entry.mu.RUnlock()
		// a cached failure is retried
		if running {
			controller, err := r.getExistingController(entry, config)
			if !errors.Is(err, errControllerReleased) {
				return controller, err
			}
		}
	}

	return r.createNewController(ctx, key, config, open, logger)
}

func (r *ControllerRegistry) getExistingController(entry *ControllerEntry, config *SpoolConfig) (*SpoolController, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.controller == nil {
		if entry.lastError != nil {
			return nil, fmt.Errorf("cached controller creation error: %w", entry.lastError)
		}
		return nil, errControllerReleased
	}

	if !entry.config.equal(config) {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, fmt.Errorf("conflict: existing controller uses different config (refCount: %d)", currentRefCount)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return entry.controller, nil
}

func (r *ControllerRegistry) createNewController(ctx context.Context, key string, config *SpoolConfig, open HardwareOpener, logger logging.Logger) (*SpoolController, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists && entry.controller != nil {
		return r.getExistingController(entry, config)
	}

	entry := &ControllerEntry{config: config}

	hw, release, err := open(ctx)
	if err != nil {
		entry.lastError = err
		r.entries[key] = entry
		return nil, fmt.Errorf("failed to open spool hardware: %w", err)
	}

	controller, err := NewSpoolController(config, hw, r.clock, logger)
	if err == nil {
		err = controller.Start()
	}
	if err != nil {
		if release != nil {
			release()
		}
		entry.lastError = err
		r.entries[key] = entry
		return nil, fmt.Errorf("failed to start spool controller: %w", err)
	}
	if release != nil {
		controller.closers = append(controller.closers, release)
	}

	entry.controller = controller
	entry.lastError = nil
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[key] = entry

	logger.Infof("Created spool controller with %d motors on board %s", len(config.Motors), key)
	return controller, nil
}

// ReleaseController drops one reference and closes the controller with the
// last one. Locks are taken registry first, then entry.
func (r *ControllerRegistry) ReleaseController(ctx context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[key]
	if !exists {
		return
	}

	entry.mu.Lock()
	currentRefCount := atomic.AddInt64(&entry.refCount, -1)
	if currentRefCount > 0 {
		entry.mu.Unlock()
		return
	}
	controller := entry.controller
	delete(r.entries, key)
	entry.controller = nil
	entry.config = nil
	atomic.StoreInt64(&entry.refCount, 0)
	entry.lastError = nil
	entry.mu.Unlock()

	if controller != nil {
		if err := controller.Close(ctx); err != nil {
			controller.logger.Warnf("error closing shared controller for board %s: %v", key, err)
		}
	}
}

func (r *ControllerRegistry) ForceCloseController(ctx context.Context, key string) error {
	r.mu.Lock()
	entry, exists := r.entries[key]
	if exists {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var err error
	if entry.controller != nil {
		err = entry.controller.Close(ctx)
		entry.controller = nil
		entry.config = nil
		atomic.StoreInt64(&entry.refCount, 0)
		entry.lastError = nil
	}

	return err
}

func (r *ControllerRegistry) GetControllerStatus(key string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	currentRefCount := atomic.LoadInt64(&entry.refCount)
	hasController := entry.controller != nil
	configSummary := ""

	if entry.config != nil {
		configSummary = fmt.Sprintf("Board: %s, Motors: %d, Counter: %s/%d-bit",
			entry.config.Board, len(entry.config.Motors), entry.config.CounterMode, entry.config.CounterBits)
	}

	return currentRefCount, hasController, configSummary
}
