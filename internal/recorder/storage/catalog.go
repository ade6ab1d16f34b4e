package storage

import (
	"context"
	"database/sql"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/recorder"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

// Clip statuses stored in the catalog.
const (
	ClipRecording = "recording"
	ClipFinalized = "finalized"
	ClipFailed    = "failed"
)

// ClipRecord is one row of the clips table.
type ClipRecord struct {
	ID          string       `db:"id"`
	RunID       string       `db:"run_id"`
	Sequence    int          `db:"sequence"`
	Path        string       `db:"path"`
	Status      string       `db:"status"`
	Frames      int          `db:"frames"`
	StartedAt   time.Time    `db:"started_at"`
	FinalizedAt sql.NullTime `db:"finalized_at"`
}

// Catalog records clips in a SQL database (sqlite3 or postgres).
type Catalog struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

// OpenCatalog connects to the database and creates the schema if needed.
func OpenCatalog(ctx context.Context, driver, dsn string, logger recorderlog.Logger) (*Catalog, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// A single connection keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Catalog{db: db, logger: logger.Named("catalog")}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clips (
			id           TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			path         TEXT NOT NULL,
			status       TEXT NOT NULL,
			frames       INTEGER NOT NULL DEFAULT 0,
			started_at   TIMESTAMP NOT NULL,
			finalized_at TIMESTAMP NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clips_run_id ON clips(run_id, sequence)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Begin inserts a clip in the recording state and returns its id.
func (c *Catalog) Begin(ctx context.Context, runID string, seq int, path string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	query := c.db.Rebind(`
		INSERT INTO clips (id, run_id, sequence, path, status, frames, started_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`)
	if _, err := c.db.ExecContext(ctx, query, id, runID, seq, path, ClipRecording, startedAt.UTC()); err != nil {
		return "", fmt.Errorf("failed to insert clip: %w", err)
	}
	return id, nil
}

// Finish records the outcome of a clip started with Begin.
func (c *Catalog) Finish(ctx context.Context, id, status string, frames int, at time.Time) error {
	query := c.db.Rebind(`UPDATE clips SET status = ?, frames = ?, finalized_at = ? WHERE id = ?`)
	res, err := c.db.ExecContext(ctx, query, status, frames, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update clip: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("clip %s not found", id)
	}
	return nil
}

// Fail records a clip that could not be created.
func (c *Catalog) Fail(ctx context.Context, runID string, seq int, at time.Time) error {
	query := c.db.Rebind(`
		INSERT INTO clips (id, run_id, sequence, path, status, frames, started_at, finalized_at)
		VALUES (?, ?, ?, '', ?, 0, ?, ?)`)
	if _, err := c.db.ExecContext(ctx, query, uuid.NewString(), runID, seq, ClipFailed, at.UTC(), at.UTC()); err != nil {
		return fmt.Errorf("failed to insert clip: %w", err)
	}
	return nil
}

// Clips lists the clips of a run in sequence order.
func (c *Catalog) Clips(ctx context.Context, runID string) ([]ClipRecord, error) {
	var out []ClipRecord
	query := c.db.Rebind(`
		SELECT id, run_id, sequence, path, status, frames, started_at, finalized_at
		FROM clips WHERE run_id = ? ORDER BY sequence`)
	if err := c.db.SelectContext(ctx, &out, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list clips: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// CatalogSink records every clip of inner in a Catalog. Catalog failures are
// logged and never affect recording.
type CatalogSink struct {
	inner   recorder.ClipSink
	catalog *Catalog
	runID   string
	ctx     context.Context
	logger  recorderlog.Logger
	now     func() time.Time
}

// NewCatalogSink wraps inner. ctx bounds all catalog queries.
func NewCatalogSink(ctx context.Context, inner recorder.ClipSink, catalog *Catalog, runID string, logger recorderlog.Logger) *CatalogSink {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &CatalogSink{
		inner:   inner,
		catalog: catalog,
		runID:   runID,
		ctx:     ctx,
		logger:  logger.Named("catalog-sink"),
		now:     time.Now,
	}
}

func (s *CatalogSink) Create(seq int, size image.Point, fps float64) (recorder.Clip, error) {
	clip, err := s.inner.Create(seq, size, fps)
	if err != nil {
		if cerr := s.catalog.Fail(s.ctx, s.runID, seq, s.now()); cerr != nil {
			s.logger.Warn("Failed to record clip failure", recorderlog.Int("sequence", seq), recorderlog.Error(cerr))
		}
		return nil, err
	}

	id, cerr := s.catalog.Begin(s.ctx, s.runID, seq, clip.Path(), s.now())
	if cerr != nil {
		s.logger.Warn("Failed to record clip", recorderlog.Int("sequence", seq), recorderlog.Error(cerr))
	}
	return &catalogClip{Clip: clip, sink: s, id: id}, nil
}

type catalogClip struct {
	recorder.Clip
	sink   *CatalogSink
	id     string // empty if Begin failed
	frames int
}

func (c *catalogClip) Write(f frame.Frame) error {
	if err := c.Clip.Write(f); err != nil {
		return err
	}
	c.frames++
	return nil
}

func (c *catalogClip) Finalize() error {
	err := c.Clip.Finalize()
	if c.id == "" {
		return err
	}

	status := ClipFinalized
	if err != nil {
		status = ClipFailed
	}
	if cerr := c.sink.catalog.Finish(c.sink.ctx, c.id, status, c.frames, c.sink.now()); cerr != nil {
		c.sink.logger.Warn("Failed to update clip record",
			recorderlog.Int("sequence", c.Sequence()),
			recorderlog.Error(cerr))
	}
	return err
}
