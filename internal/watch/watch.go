// Package watch applies a configuration document whenever its file changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"proxyplane/internal/document"
	"proxyplane/internal/metrics"
)

const DefaultDebounce = 500 * time.Millisecond

// ApplyFunc installs a parsed document.
type ApplyFunc func(ctx context.Context, doc document.Document) error

type Watcher struct {
	path     string
	debounce time.Duration
	apply    ApplyFunc
	metrics  *metrics.Collector
	log      zerolog.Logger
	fs       *fsnotify.Watcher
}

// New watches the directory holding path so that editors replacing the file
// are noticed too.
func New(path string, apply ApplyFunc, m *metrics.Collector, log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		apply:    apply,
		metrics:  m,
		log:      log.With().Str("component", "watch").Str("file", abs).Logger(),
		fs:       fs,
	}, nil
}

func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Load parses the file and applies it once.
func (w *Watcher) Load(ctx context.Context) error {
	doc, err := document.Load(w.path)
	if err == nil {
		err = w.apply(ctx, doc)
	}
	w.metrics.RecordDocumentReload(err == nil)
	if err != nil {
		w.log.Error().Err(err).Msg("document not applied")
		return err
	}
	w.log.Info().Int("rules", len(doc.ProxyRules)).Msg("document applied")
	return nil
}

// Run blocks until ctx is done, applying the document after each burst of
// writes has settled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			_ = w.Load(ctx)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}
