package kvmirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/types"
	"github.com/yacchi/kvmirror/watcher"
	"go.uber.org/zap"
)

// KeyWatch is a single key to watch.
type KeyWatch = watcher.KeyTarget

// PrefixWatch is a key prefix to watch.
type PrefixWatch = watcher.CollectionTarget

// StoreWatchConfig configures the Watch behavior.
type StoreWatchConfig struct {
	// Keys are the single keys to watch.
	Keys []KeyWatch

	// Prefixes are the key prefixes to watch.
	Prefixes []PrefixWatch

	// DebounceDelay is the delay to wait for additional changes before
	// applying them. Batches received within the delay are applied together,
	// in arrival order.
	// Default: 100ms
	DebounceDelay time.Duration

	// OnError is called when a watcher reports a fatal error.
	// If nil, errors are logged only.
	OnError func(target string, err error)

	// OnChange is called with the changes of every applied batch, before
	// subscribers are notified.
	OnChange func(changes []types.ChangeEvent)

	// OnReload is called after a batch was applied.
	// This is called in addition to any registered subscribers.
	OnReload func()

	// StopOnError stops a watcher after its first fatal error.
	// Other watchers keep running.
	StopOnError bool

	// WatcherOpts are options applied to every watcher, after the options
	// derived from the Store.
	WatcherOpts []watcher.WatchConfigOption
}

// DefaultStoreWatchConfig returns the default watch configuration.
func DefaultStoreWatchConfig() StoreWatchConfig {
	return StoreWatchConfig{
		DebounceDelay: 100 * time.Millisecond,
	}
}

// Validate checks every watch target and returns all problems found.
func (c StoreWatchConfig) Validate() error {
	var errs []error
	for _, k := range c.Keys {
		if err := k.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("watch key %s: %w", k, err))
		}
	}
	for _, p := range c.Prefixes {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("watch prefix %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// watchState holds one running watcher.
type watchState struct {
	name    string
	watcher watcher.Watcher
}

// watchUpdate is a result received from one watcher.
type watchUpdate struct {
	state  *watchState
	result watcher.Result
}

// Watch starts one watcher per key and prefix in cfg. Changes are applied to
// the settings and subscribers are notified once per applied batch.
// Call Load before Watch; watchers are seeded from the loaded settings.
//
// Returns a stop function that stops every watcher and waits for them.
//
// Example:
//
//	cfg := kvmirror.DefaultStoreWatchConfig()
//	cfg.Prefixes = []kvmirror.PrefixWatch{{Prefix: "app/"}}
//	stop, err := store.Watch(ctx, cfg)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer stop(context.Background())
func (s *Store) Watch(ctx context.Context, cfg StoreWatchConfig) (stop func(context.Context) error, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = DefaultStoreWatchConfig().DebounceDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	opts := append([]watcher.WatchConfigOption{
		watcher.WithLogger(s.logger),
		watcher.WithRetryPolicy(s.policy),
		watcher.WithMetrics(s.metrics),
	}, cfg.WatcherOpts...)

	states, err := s.newWatchers(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return func(context.Context) error { return nil }, nil
	}

	watchCtx, watchCancel := context.WithCancel(ctx)
	merged := make(chan watchUpdate, len(states)*10)
	var wg sync.WaitGroup

	for i, ws := range states {
		if err := ws.watcher.Start(watchCtx); err != nil {
			watchCancel()
			for _, started := range states[:i] {
				_ = started.watcher.Stop(ctx)
			}
			wg.Wait()
			return nil, fmt.Errorf("start watcher %s: %w", ws.name, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for result := range ws.watcher.Results() {
				select {
				case merged <- watchUpdate{state: ws, result: result}:
				case <-watchCtx.Done():
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchLoop(watchCtx, merged, cfg)
	}()

	s.logger.Info("watching", zap.Int("watchers", len(states)))

	stop = func(stopCtx context.Context) error {
		watchCancel()

		var errs []error
		for _, ws := range states {
			if err := ws.watcher.Stop(stopCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop watcher %s: %w", ws.name, err))
			}
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-stopCtx.Done():
			errs = append(errs, stopCtx.Err())
		}
		return errors.Join(errs...)
	}
	return stop, nil
}

// newWatchers creates the watchers of cfg, seeded from the current settings.
func (s *Store) newWatchers(ctx context.Context, cfg StoreWatchConfig, opts []watcher.WatchConfigOption) ([]*watchState, error) {
	settings := s.settings.Get()
	states := make([]*watchState, 0, len(cfg.Keys)+len(cfg.Prefixes))

	for _, target := range cfg.Keys {
		initial, err := s.initialKey(ctx, settings, target)
		if err != nil {
			return nil, err
		}
		w, err := watcher.NewKey(s.src, target, initial, opts...)
		if err != nil {
			return nil, fmt.Errorf("watch key %s: %w", target, err)
		}
		states = append(states, &watchState{name: target.String(), watcher: w})
	}

	for _, target := range cfg.Prefixes {
		initial := settings.matching(target.Prefix, target.Label)
		w, err := watcher.NewCollection(s.src, target, initial, opts...)
		if err != nil {
			return nil, fmt.Errorf("watch prefix %s: %w", target, err)
		}
		states = append(states, &watchState{name: target.String(), watcher: w})
	}
	return states, nil
}

// initialKey returns the last known value of a watched key: the loaded
// setting when its label matches, otherwise the remote value. Nil means the
// key is absent or the store could not be reached.
func (s *Store) initialKey(ctx context.Context, settings Settings, target KeyWatch) (*types.KeyValue, error) {
	if kv, ok := settings.Get(target.Key); ok && kv.Label == target.Label {
		return &kv, nil
	}

	inv, err := s.newInvoker()
	if err != nil {
		return nil, err
	}
	kv, ok, err := retry.Do(ctx, inv, func(ctx context.Context) (*types.KeyValue, error) {
		return s.src.FetchOne(ctx, target.Key, target.Label)
	})
	if err != nil {
		return nil, fmt.Errorf("watch key %s: %w", target, err)
	}
	if !ok {
		s.logger.Warn("initial value unavailable, watching from absent", zap.Stringer("target", target))
		return nil, nil
	}
	return kv, nil
}

// watchLoop applies updates with debouncing.
func (s *Store) watchLoop(ctx context.Context, updates <-chan watchUpdate, cfg StoreWatchConfig) {
	var (
		debounceTimer *time.Timer
		debounceC     <-chan time.Time
		pending       []types.ChangeEvent
	)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case update := <-updates:
			if err := update.result.Err; err != nil {
				s.handleError(ctx, update.state, err, cfg)
				continue
			}
			pending = append(pending, update.result.Changes...)

			if debounceTimer == nil {
				debounceTimer = time.NewTimer(cfg.DebounceDelay)
			} else {
				debounceTimer.Reset(cfg.DebounceDelay)
			}
			debounceC = debounceTimer.C

		case <-debounceC:
			debounceC = nil
			if len(pending) > 0 {
				s.applyChanges(pending, cfg)
				pending = nil
			}
		}
	}
}

func (s *Store) handleError(ctx context.Context, ws *watchState, err error, cfg StoreWatchConfig) {
	s.logger.Error("watch error", zap.String("target", ws.name), zap.Error(err))
	if cfg.OnError != nil {
		cfg.OnError(ws.name, err)
	}
	if cfg.StopOnError {
		if stopErr := ws.watcher.Stop(ctx); stopErr != nil {
			s.logger.Warn("stop watcher", zap.String("target", ws.name), zap.Error(stopErr))
		}
	}
}

// applyChanges applies a change batch to the settings and notifies
// subscribers once.
func (s *Store) applyChanges(changes []types.ChangeEvent, cfg StoreWatchConfig) {
	for _, c := range changes {
		s.logger.Debug("apply change",
			zap.Stringer("type", c.Type),
			zap.String("key", c.Key),
			zap.Stringer("label", c.Label))
	}
	if cfg.OnChange != nil {
		cfg.OnChange(changes)
	}

	s.settings.Update(func(current Settings) Settings {
		return current.apply(changes)
	})

	if cfg.OnReload != nil {
		cfg.OnReload()
	}
}
