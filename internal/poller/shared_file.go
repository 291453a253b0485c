package poller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassSharedFile = "shared_file"

// SharedFileRoot names a directory tree scanned for resource grants:
// every immediate child path found under Root is upserted as a
// UserResource of ResourceType visible to UserID.
type SharedFileRoot struct {
	UserID       string
	Root         string
	ResourceType string
	Permissions  string
}

// SharedFileDiscoveryPoller keeps the user_resources grant table in sync
// with configured directory roots, so the Prompt Builder's resource
// listing reflects what is actually mounted without a manual grant for
// every new shared path. A fsnotify watcher on each root (the same
// library internal/skills.Watcher uses for SKILL.md hot reload) folds
// filesystem events into a dirty set; Tick only rescans roots that have
// seen activity since the last tick, or on first tick.
type SharedFileDiscoveryPoller struct {
	store   *store.Store
	logger  *slog.Logger
	roots   []SharedFileRoot
	watcher *fsnotify.Watcher
	dirty   map[string]bool
	first   bool
}

func NewSharedFileDiscoveryPoller(st *store.Store, logger *slog.Logger, roots []SharedFileRoot) *SharedFileDiscoveryPoller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &SharedFileDiscoveryPoller{
		store:  st,
		logger: logger,
		roots:  roots,
		dirty:  make(map[string]bool),
		first:  true,
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("shared file discovery: fsnotify unavailable, falling back to full rescans every tick", "error", err)
		return p
	}
	for _, r := range roots {
		if err := watcher.Add(r.Root); err != nil {
			logger.Warn("shared file discovery: watch root failed", "root", r.Root, "error", err)
		}
	}
	p.watcher = watcher
	go p.drainEvents()
	return p
}

func (p *SharedFileDiscoveryPoller) drainEvents() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.markDirty(filepath.Dir(event.Name))
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("shared file discovery watcher error", "error", err)
		}
	}
}

func (p *SharedFileDiscoveryPoller) markDirty(root string) {
	if p.dirty == nil {
		p.dirty = make(map[string]bool)
	}
	p.dirty[root] = true
}

func (p *SharedFileDiscoveryPoller) Name() string { return pollerClassSharedFile }

func (p *SharedFileDiscoveryPoller) Tick(ctx context.Context) error {
	for _, r := range p.roots {
		if !p.first && p.watcher != nil && !p.dirty[r.Root] {
			continue
		}
		if err := p.tickOne(ctx, r); err != nil {
			p.logger.Error("shared file discovery tick failed", "user_id", r.UserID, "root", r.Root, "error", err)
			continue
		}
		delete(p.dirty, r.Root)
	}
	p.first = false
	return nil
}

func (p *SharedFileDiscoveryPoller) tickOne(ctx context.Context, r SharedFileRoot) error {
	entries, err := os.ReadDir(r.Root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dir %s: %w", r.Root, err)
	}

	permissions := r.Permissions
	if permissions == "" {
		permissions = "read"
	}

	for _, entry := range entries {
		path := filepath.Join(r.Root, entry.Name())
		if _, err := p.store.UpsertUserResource(ctx, r.UserID, r.ResourceType, path, permissions, entry.Name()); err != nil {
			return fmt.Errorf("upsert resource %s: %w", path, err)
		}
	}
	return nil
}

// Close releases the underlying fsnotify watcher, if one was started.
func (p *SharedFileDiscoveryPoller) Close() error {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}
