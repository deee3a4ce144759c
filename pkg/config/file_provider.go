package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 100 * time.Millisecond

// ProviderOptions customise a FileProvider.
type ProviderOptions struct {
	Logger   *slog.Logger
	Debounce time.Duration
	// OnReload is called after every reload attempt with its error, if any.
	OnReload func(error)
	Now      func() time.Time
}

// FileProvider loads configuration from a local file and pushes a new
// Snapshot to subscribers whenever the file changes.
type FileProvider struct {
	path        string
	opts        ProviderOptions
	mu          sync.RWMutex
	snapshot    Snapshot
	generation  int64
	subscribers []chan Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewFileProvider loads path and starts watching it. Unlike a reload, the
// initial load must succeed.
func NewFileProvider(path string, opts ProviderOptions) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &FileProvider{path: absPath, opts: opts, done: make(chan struct{})}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Path returns the watched file.
func (p *FileProvider) Path() string {
	return p.path
}

// Current returns the latest successfully loaded snapshot.
func (p *FileProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives snapshots, starting with the
// current one. A slow subscriber only ever sees the latest snapshot.
func (p *FileProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Reload re-reads the file immediately.
func (p *FileProvider) Reload() error {
	err := p.load()
	if p.opts.OnReload != nil {
		p.opts.OnReload(err)
	}
	return err
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.opts.Debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.Reload(); err != nil {
						p.opts.Logger.Error("config reload failed", "path", p.path, "error", err)
						return
					}
					p.opts.Logger.Info("configuration reloaded", "path", p.path, "generation", p.Current().Generation)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.opts.Logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *FileProvider) load() error {
	// #nosec G304 -- file path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot, err := NewSnapshot(p.generation+1, cfg, p.opts.Now())
	if err != nil {
		return err
	}
	p.generation = snapshot.Generation
	p.snapshot = snapshot

	for _, ch := range p.subscribers {
		// Replace an unread snapshot so the subscriber sees the newest one.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
	return nil
}
