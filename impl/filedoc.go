package impl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slog"
	"manualpilot/ghostd/internal"
)

// FileDocument is an editor document kept in a file. Text from the browser
// replaces the file; changes made to the file by anyone else are pushed back.
type FileDocument struct {
	logger *slog.Logger
	path   string
	url    string
	syntax string

	lock sync.Mutex
	last string
	seen bool
}

func NewFileDocument(logger *slog.Logger, path, url, syntax string) (*FileDocument, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(abs, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &FileDocument{
		logger: logger.With(slog.String("document", abs)),
		path:   abs,
		url:    url,
		syntax: syntax,
	}, nil
}

func (d *FileDocument) Path() string {
	return d.path
}

func (d *FileDocument) ReadDocumentState() (internal.Snapshot, error) {
	b, err := os.ReadFile(d.path)
	if err != nil {
		return internal.Snapshot{}, err
	}

	d.lock.Lock()
	d.last, d.seen = string(b), true
	d.lock.Unlock()

	return internal.Snapshot{
		Text:   string(b),
		URL:    d.url,
		Syntax: d.syntax,
	}, nil
}

// ApplyDocumentState replaces the file through a temporary file and a rename
// so readers never observe a partial write.
func (d *FileDocument) ApplyDocumentState(text string) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".ghostd-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, d.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace document: %w", err)
	}

	d.last, d.seen = text, true

	return nil
}

func (d *FileDocument) SessionStarted() {
	d.logger.Info("GhostText connected")
}

func (d *FileDocument) SessionEnded() {
	d.logger.Info("GhostText closed the connection, reload the page if this was unexpected")
}

// Watch calls onChange whenever the file content changes to something other
// than what was last exchanged with the browser. It blocks until ctx is done.
func (d *FileDocument) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer watcher.Close()

	// the directory, not the file: atomic saves replace the inode
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != d.path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if d.changed() {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("watch failed", err)
		}
	}
}

func (d *FileDocument) changed() bool {
	b, err := os.ReadFile(d.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("failed to read document", slog.String("error", err.Error()))
		}
		return false
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	return !d.seen || string(b) != d.last
}
