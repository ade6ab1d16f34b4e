package storage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/motionclip/internal/recorder"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

// ArchiverConfig controls clip uploads.
type ArchiverConfig struct {
	Prefix       string
	RunID        string
	MaxRetries   int
	RetryBackoff time.Duration
	RemoveLocal  bool // delete the local file after a successful upload
	QueueSize    int
}

// ArchiverMetrics counts upload outcomes.
type ArchiverMetrics struct {
	Uploaded atomic.Uint64
	Failed   atomic.Uint64
	Dropped  atomic.Uint64
}

// Archiver uploads finalized clips from a single background worker so that
// uploads never block the frame loop.
type Archiver struct {
	store  ObjectStore
	cfg    ArchiverConfig
	logger recorderlog.Logger

	queue  chan string
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	metrics ArchiverMetrics
}

// NewArchiver starts the upload worker.
func NewArchiver(store ObjectStore, cfg ArchiverConfig, logger recorderlog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("object store cannot be nil")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("archiver"),
		queue:  make(chan string, cfg.QueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go a.run()
	return a, nil
}

// ObjectKey returns the object name for a local clip file.
func (a *Archiver) ObjectKey(filePath string) string {
	return path.Join(a.cfg.Prefix, a.cfg.RunID, filepath.Base(filePath))
}

// Enqueue schedules filePath for upload. It never blocks; when the queue is
// full or the archiver is closed the clip stays local and false is returned.
func (a *Archiver) Enqueue(filePath string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		a.metrics.Dropped.Add(1)
		a.logger.Warn("Archiver closed, clip kept locally", recorderlog.String("path", filePath))
		return false
	}
	select {
	case a.queue <- filePath:
		return true
	default:
		a.metrics.Dropped.Add(1)
		a.logger.Warn("Archive queue full, clip kept locally",
			recorderlog.String("path", filePath),
			recorderlog.Int("queue_size", cap(a.queue)))
		return false
	}
}

// Close stops accepting clips and waits for queued uploads to finish. If ctx
// ends first, in-flight retries are abandoned and ctx's error is returned.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}

// Metrics returns the upload counters.
func (a *Archiver) Metrics() map[string]uint64 {
	return map[string]uint64{
		"uploaded": a.metrics.Uploaded.Load(),
		"failed":   a.metrics.Failed.Load(),
		"dropped":  a.metrics.Dropped.Load(),
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for p := range a.queue {
		if a.ctx.Err() != nil {
			a.metrics.Failed.Add(1)
			continue
		}
		a.upload(p)
	}
}

func (a *Archiver) upload(filePath string) {
	key := a.ObjectKey(filePath)

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if a.cfg.RetryBackoff > 0 {
			ebo.InitialInterval = a.cfg.RetryBackoff
		}
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, uint64(a.cfg.MaxRetries))
	}

	attempt := 0
	op := func() error {
		attempt++
		err := a.store.PutFile(a.ctx, key, filePath)
		if err == nil {
			return nil
		}
		if IsAccessDenied(err) {
			a.logger.Warn("Archive credentials rejected, not retrying",
				recorderlog.String("key", key),
				recorderlog.Error(err))
			return backoff.Permanent(err)
		}
		var serr *StorageError
		if errors.As(err, &serr) && !serr.Retryable {
			return backoff.Permanent(err)
		}
		if errors.Is(err, os.ErrNotExist) {
			return backoff.Permanent(err)
		}
		a.logger.Debug("Upload attempt failed",
			recorderlog.String("key", key),
			recorderlog.Int("attempt", attempt),
			recorderlog.Error(err))
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), a.ctx)); err != nil {
		a.metrics.Failed.Add(1)
		a.logger.Error("Failed to archive clip, kept locally",
			recorderlog.String("path", filePath),
			recorderlog.String("key", key),
			recorderlog.Int("attempts", attempt),
			recorderlog.Error(err))
		return
	}

	a.metrics.Uploaded.Add(1)
	a.logger.Info("Clip archived",
		recorderlog.String("path", filePath),
		recorderlog.String("key", key),
		recorderlog.Int("attempts", attempt))

	if a.cfg.RemoveLocal {
		if err := os.Remove(filePath); err != nil {
			a.logger.Warn("Failed to remove archived clip", recorderlog.String("path", filePath), recorderlog.Error(err))
		}
	}
}

// ArchivingSink queues every successfully finalized clip for upload.
type ArchivingSink struct {
	inner    recorder.ClipSink
	archiver *Archiver
}

// NewArchivingSink wraps inner.
func NewArchivingSink(inner recorder.ClipSink, archiver *Archiver) *ArchivingSink {
	return &ArchivingSink{inner: inner, archiver: archiver}
}

func (s *ArchivingSink) Create(seq int, size image.Point, fps float64) (recorder.Clip, error) {
	clip, err := s.inner.Create(seq, size, fps)
	if err != nil {
		return nil, err
	}
	return &archivingClip{Clip: clip, archiver: s.archiver}, nil
}

type archivingClip struct {
	recorder.Clip
	archiver *Archiver
}

func (c *archivingClip) Finalize() error {
	if err := c.Clip.Finalize(); err != nil {
		return err
	}
	c.archiver.Enqueue(c.Path())
	return nil
}
