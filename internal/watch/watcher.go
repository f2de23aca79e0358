// Package watch feeds spooled communication events into the aggregator.
// Producers drop JSON Lines files into the spool directory, writing to a
// temporary name and renaming into place, so a file is whole by the time
// its name matches the spool pattern.
package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"trait_engine/internal/config"
	"trait_engine/internal/ingest"
	"trait_engine/internal/metrics"
	"trait_engine/internal/queue"
)

// maxLineBytes bounds a single spooled event line.
const maxLineBytes = 1 << 20

const (
	enqueueWindow   = 10 * time.Second
	enqueueInterval = 250 * time.Millisecond
)

// FileResult counts what one spool file yielded.
type FileResult struct {
	Ingested  int
	Denied    int
	Malformed int
}

// Watcher turns spool files into ingest jobs.
type Watcher struct {
	cfg     config.Config
	agg     *ingest.Aggregator
	queue   *queue.Queue
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(cfg config.Config, agg *ingest.Aggregator, q *queue.Queue, m *metrics.Metrics, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg, agg: agg, queue: q, metrics: m, logger: logger}
}

// Start begins watching the spool directory for new event files. It
// returns immediately when the watcher is disabled by configuration.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		w.logger.Info("spool watcher disabled")
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-fw.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isSpoolFile(evt.Name) {
					w.enqueueFile(ctx, evt.Name, "watch")
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Error("spool watcher error", zap.Error(err))
			}
		}
	}()
	if err := fw.Add(w.cfg.SpoolDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.SpoolDir, err)
	}
	w.logger.Info("spool watcher started", zap.String("dir", w.cfg.SpoolDir))
	return nil
}

// Backfill enqueues every spool file already on disk, covering events
// that arrived while the service was down.
func (w *Watcher) Backfill(ctx context.Context) error {
	enqueued := 0
	for _, pattern := range []string{"*.jsonl", "*.ndjson"} {
		matches, err := filepath.Glob(filepath.Join(w.cfg.SpoolDir, pattern))
		if err != nil {
			return err
		}
		for _, path := range matches {
			w.enqueueFile(ctx, path, "backfill")
			enqueued++
		}
	}
	if enqueued > 0 {
		w.logger.Info("spool backfill enqueued", zap.Int("files", enqueued))
	}
	return nil
}

func (w *Watcher) enqueueFile(ctx context.Context, path, source string) {
	name := filepath.Base(path)
	ok, droppedFull := w.queue.EnqueueWithRetry(ctx, queue.Job{
		ID:     name,
		Source: source,
		Work: func(ctx context.Context) error {
			res, err := w.IngestFile(ctx, path)
			if err != nil {
				return err
			}
			w.logger.Info("spool file ingested",
				zap.String("file", name),
				zap.Int("events", res.Ingested),
				zap.Int("denied", res.Denied),
				zap.Int("malformed", res.Malformed))
			return nil
		},
	}, enqueueWindow, enqueueInterval)
	if !ok {
		w.logger.Warn("spool file not enqueued",
			zap.String("file", name),
			zap.Bool("queue_full", droppedFull))
	}
}

// IngestFile streams one spool file into the aggregator and removes it
// afterwards, so raw text never outlives its ingestion. Malformed lines
// and consent denials are counted and skipped. An infrastructure failure
// mid-file moves the file to the work directory instead: re-reading a
// half-ingested file would double-count its events.
func (w *Watcher) IngestFile(ctx context.Context, path string) (FileResult, error) {
	var res FileResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev ingest.CommEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			res.Malformed++
			w.metrics.RecordMalformed()
			continue
		}
		switch err := w.agg.Ingest(ctx, ev); {
		case err == nil:
			res.Ingested++
		case errors.Is(err, ingest.ErrConsentDenied):
			res.Denied++
		case errors.Is(err, ingest.ErrMalformedEvent):
			res.Malformed++
		default:
			f.Close()
			w.quarantine(path)
			return res, fmt.Errorf("ingest %s: %w", filepath.Base(path), err)
		}
	}
	serr := sc.Err()
	f.Close()
	if serr != nil {
		w.quarantine(path)
		return res, fmt.Errorf("read %s: %w", filepath.Base(path), serr)
	}
	if err := os.Remove(path); err != nil {
		return res, err
	}
	return res, nil
}

// quarantine moves a failed spool file aside for operator review.
func (w *Watcher) quarantine(path string) {
	dst := filepath.Join(w.cfg.WorkDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		w.logger.Error("spool file not quarantined", zap.String("file", path), zap.Error(err))
		return
	}
	w.logger.Warn("spool file quarantined", zap.String("file", dst))
}

func isSpoolFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return true
	default:
		return false
	}
}
