package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a Watcher waits after the last change before
// calling its callback.
const DefaultDebounce = 300 * time.Millisecond

// Watcher calls a function after files under watched paths change. Bursts
// of events are coalesced into one call.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	match    func(string) bool
	onChange func(changed []string)
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]struct{}
	done    chan struct{}
}

// Watch starts watching paths. Directories are watched recursively. Only
// events for files accepted by match trigger onChange; a nil match accepts
// every file. The watcher stops when ctx is done or Close is called.
func Watch(ctx context.Context, logger zerolog.Logger, paths []string, match func(string) bool, onChange func(changed []string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if match == nil {
		match = func(string) bool { return true }
	}

	w := &Watcher{
		watcher:  fw,
		logger:   logger.With().Str("component", "watcher").Logger(),
		match:    match,
		onChange: onChange,
		debounce: DefaultDebounce,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	for _, path := range paths {
		if err := w.add(path); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}

	go w.run(ctx)

	w.logger.Info().Int("paths", len(paths)).Msg("Started watching")
	return w, nil
}

// add watches path. Files are watched through their directory so editors
// that replace files on save keep triggering events.
func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return w.watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(p)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.stop()
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.stop()
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.add(event.Name)
					continue
				}
			}
			if !w.match(event.Name) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("File changed")
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stop()
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for name := range w.pending {
		changed = append(changed, name)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()
	slices.Sort(changed)

	if len(changed) > 0 {
		w.onChange(changed)
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

// WatchPolicies reloads e from paths whenever a policy file under them
// changes. Reload errors are logged and the previous policies stay active.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string, onReload func(error)) (*Watcher, error) {
	loader := NewLoader(e.logger)
	return Watch(ctx, e.logger, paths, IsPolicyFile, func(changed []string) {
		for _, name := range changed {
			loader.Invalidate(name)
		}
		policies, err := loader.LoadFromPaths(ctx, paths)
		if err == nil {
			err = e.ReloadPolicies(ctx, policies)
		}
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to reload policies")
		} else {
			e.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
		}
		if onReload != nil {
			onReload(err)
		}
	})
}
