// Package watcher re-uploads a PMode file whenever it changes on disk.
package watcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Uploader stores a new PMode document
type Uploader interface {
	UpdatePModes(ctx context.Context, raw []byte, description string) ([]string, error)
}

// Watcher watches the directory of a PMode file so that editors that
// replace the file by rename are noticed too.
type Watcher struct {
	path     string
	uploader Uploader
	logger   *slog.Logger
	debounce time.Duration

	last [sha256.Size]byte
}

func New(path string, uploader Uploader, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		uploader: uploader,
		logger:   logger.With("component", "watcher", "path", path),
		debounce: 500 * time.Millisecond,
	}
}

// Run blocks until ctx is done. Upload failures are logged and the
// previous configuration stays active.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("Watching PMode file")

	// fires once per burst of events
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", "error", err)
		case <-timer.C:
			if _, err := w.Upload(ctx); err != nil {
				w.logger.Error("PMode upload failed", "error", err)
			}
		}
	}
}

// Upload reads the file and uploads it unless it is unchanged since the
// last successful upload. It reports whether an upload happened.
func (w *Watcher) Upload(ctx context.Context) (bool, error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(raw)
	if sum == w.last {
		w.logger.Debug("PMode file unchanged")
		return false, nil
	}
	desc := fmt.Sprintf("%s (file watcher)", filepath.Base(w.path))
	warnings, err := w.uploader.UpdatePModes(ctx, raw, desc)
	if err != nil {
		return false, err
	}
	w.last = sum
	for _, warning := range warnings {
		w.logger.Warn("PMode warning", "warning", warning)
	}
	w.logger.Info("PMode file uploaded", "warnings", len(warnings))
	return true, nil
}
