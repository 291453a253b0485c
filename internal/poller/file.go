package poller

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassFile = "file"

// FileTarget names a TASKS.md-style checklist file to watch for a user:
// each unchecked markdown checkbox item becomes a task.
type FileTarget struct {
	UserID            string
	Path              string
	ConversationToken string
	OutputTarget      store.OutputTarget
}

type fileCursor struct {
	SeenLineHashes map[string]bool `json:"seen_line_hashes"`
}

// FilePoller watches one or more TASKS.md-style files per user, creating
// a task for each unchecked "- [ ]" item it has not already queued.
// Already-queued items are tracked by a hash of their line text rather
// than line number, so reordering or intervening checked/unchecked edits
// do not re-fire or silently drop an item.
type FilePoller struct {
	store   *store.Store
	logger  *slog.Logger
	targets []FileTarget
}

func NewFilePoller(st *store.Store, logger *slog.Logger, targets []FileTarget) *FilePoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilePoller{store: st, logger: logger, targets: targets}
}

func (p *FilePoller) Name() string { return pollerClassFile }

func (p *FilePoller) Tick(ctx context.Context) error {
	for _, t := range p.targets {
		if err := p.tickOne(ctx, t); err != nil {
			p.logger.Error("file poller tick failed", "user_id", t.UserID, "path", t.Path, "error", err)
		}
	}
	return nil
}

func (p *FilePoller) tickOne(ctx context.Context, t FileTarget) error {
	f, err := os.Open(t.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", t.Path, err)
	}
	defer f.Close()

	stateKey := fmt.Sprintf("%s:%s", t.UserID, t.Path)
	cursor, err := p.loadCursor(ctx, stateKey)
	if err != nil {
		return err
	}
	if cursor.SeenLineHashes == nil {
		cursor.SeenLineHashes = make(map[string]bool)
	}

	var unchecked []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "- [ ]") {
			text := strings.TrimSpace(strings.TrimPrefix(line, "- [ ]"))
			if text != "" {
				unchecked = append(unchecked, text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", t.Path, err)
	}

	changed := false
	for _, text := range unchecked {
		hash := lineHash(text)
		if cursor.SeenLineHashes[hash] {
			continue
		}
		task, err := p.store.CreateTask(ctx, store.NewTask{
			SourceType:        store.SourceFile,
			Queue:             store.QueueBackground,
			UserID:            t.UserID,
			ConversationToken: t.ConversationToken,
			Prompt:            text,
			OutputTarget:      t.OutputTarget,
		})
		if err != nil {
			return fmt.Errorf("create task for %s: %w", t.Path, err)
		}
		p.logger.Info("file poller queued task", "path", t.Path, "task_id", task.ID)
		cursor.SeenLineHashes[hash] = true
		changed = true
	}

	if !changed {
		return nil
	}
	return p.saveCursor(ctx, stateKey, cursor)
}

func lineHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (p *FilePoller) loadCursor(ctx context.Context, stateKey string) (fileCursor, error) {
	raw, found, err := p.store.GetPollerState(ctx, pollerClassFile, stateKey)
	if err != nil {
		return fileCursor{}, err
	}
	if !found {
		return fileCursor{}, nil
	}
	var cursor fileCursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return fileCursor{}, fmt.Errorf("decode file cursor %s: %w", stateKey, err)
	}
	return cursor, nil
}

func (p *FilePoller) saveCursor(ctx context.Context, stateKey string, cursor fileCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode file cursor %s: %w", stateKey, err)
	}
	return p.store.SetPollerState(ctx, pollerClassFile, stateKey, string(raw))
}
