package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mikeyg42/motionclip/internal/config"
	"github.com/mikeyg42/motionclip/internal/cv"
	"github.com/mikeyg42/motionclip/internal/recorder"
	"github.com/mikeyg42/motionclip/internal/recorder/pipeline"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
	"github.com/mikeyg42/motionclip/internal/recorder/storage"
)

const (
	boxThickness    = 5
	shutdownTimeout = 30 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run <source>",
	Short: "Watch a source and record motion clips",
	Long: `Watch a video source and write one clip per period of motion.

<source> is a camera index (0, 1, ...), a video file path or a stream URL.
Press ESC or q in the preview window, or send SIGINT/SIGTERM, to stop; any
open clip is finalized first.`,
	Example: `  # Record from the first camera
  motionclip run 0

  # Process a file without a window, writing Matroska clips
  motionclip run car_parking.mp4 --headless --container mkv

  # Only react to large motion inside a region
  motionclip run rtsp://cam.local/stream --roi 100,50,400,300 --min-area 500`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("output", "", "directory for clips (default recordings)")
	f.String("container", "", "clip container: avi or mkv")
	f.Float64("pre-roll", 0, "seconds of video kept before motion starts")
	f.Float64("post-roll", 0, "seconds of video recorded after motion stops")
	f.Float64("min-area", 0, "minimum contour area that counts as motion")
	f.String("roi", "", "region of interest as x,y,w,h")
	f.Bool("select-roi", false, "select the region of interest on the first frame")
	f.Bool("headless", false, "run without a preview window")

	v.BindPFlag("recording.output_dir", f.Lookup("output"))
	v.BindPFlag("recording.container", f.Lookup("container"))
	v.BindPFlag("recording.back_buffer_seconds", f.Lookup("pre-roll"))
	v.BindPFlag("recording.front_buffer_seconds", f.Lookup("post-roll"))
	v.BindPFlag("motion.min_area", f.Lookup("min-area"))
	v.BindPFlag("motion.roi", f.Lookup("roi"))
	v.BindPFlag("motion.select_roi", f.Lookup("select-roi"))
}

func runRun(cmd *cobra.Command, args []string) error {
	if headless, _ := cmd.Flags().GetBool("headless"); headless {
		v.Set("display.enabled", false)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Motion.SelectROI && !cfg.Display.Enabled {
		return fmt.Errorf("%w: region selection needs the preview window", config.ErrMalformedConfig)
	}
	cmd.SilenceUsage = true

	logger, err := recorderlog.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	recorderlog.ReplaceGlobal(logger)
	defer recorderlog.Sync(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	outDir := runDir(cfg.Recording.OutputDir, runID, time.Now(), cfg.Recording.PerRunDir)
	logger = logger.With(recorderlog.String("run_id", runID))
	logger.Info("Starting run",
		recorderlog.String("source", args[0]),
		recorderlog.String("output_dir", outDir),
		recorderlog.String("container", cfg.Recording.Container))

	source, err := cv.OpenSource(args[0], cfg.Source.FallbackFPS, logger)
	if err != nil {
		return err
	}
	defer source.Close()
	info := source.Info()

	sink, cleanup, err := buildSink(ctx, cfg, outDir, runID, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := recorder.NewSession(recorder.SessionConfig{
		PreRollFrames:  recorder.FramesFor(cfg.Recording.BackBufferSeconds, info.FPS),
		PostRollFrames: recorder.FramesFor(cfg.Recording.FrontBufferSeconds, info.FPS),
		FrameSize:      info.Size,
		FPS:            info.FPS,
	}, sink, logger)
	if err != nil {
		return err
	}

	detector, err := cv.NewDetector(cv.DetectorConfig{
		Threshold: cfg.Motion.Threshold,
		BlurSize:  cfg.Motion.BlurSize,
		BlurSigma: cfg.Motion.BlurSigma,
	})
	if err != nil {
		return err
	}
	defer detector.Close()

	var (
		viewer pipeline.Viewer
		picker pipeline.ROIPicker
	)
	if cfg.Display.Enabled {
		w := cv.NewWindow("motionclip", cfg.Display.ScreenFraction, logger)
		defer w.Close()
		viewer = w
		if cfg.Motion.SelectROI {
			picker = w
		}
	} else {
		viewer = pipeline.NewHeadlessViewer(ctx)
	}

	loop, err := pipeline.NewLoop(pipeline.LoopConfig{
		MinArea:       cfg.Motion.MinArea,
		ROI:           cfg.ROIRect(),
		PollInterval:  cfg.Display.PollInterval,
		AnnotateClips: cfg.Recording.Annotate,
		BoxThickness:  boxThickness,
	}, source, detector, viewer, picker, session, logger)
	if err != nil {
		return err
	}

	runErr := loop.Run(ctx)

	m := session.Metrics()
	logger.Info("Run finished",
		recorderlog.Uint64("frames_processed", m.FramesProcessed),
		recorderlog.Uint64("frames_written", m.FramesWritten()),
		recorderlog.Uint64("frames_evicted", m.FramesEvicted),
		recorderlog.Uint64("clips_finalized", m.ClipsFinalized),
		recorderlog.Uint64("create_failures", m.CreateFailures),
		recorderlog.Uint64("create_skipped", m.CreateSkipped),
		recorderlog.Uint64("write_failures", m.WriteFailures))
	return runErr
}

// runDir returns the clip directory of a run. Separate runs get separate
// directories unless perRun is off, in which case clip numbering restarts
// in base and existing clips are never overwritten.
func runDir(base, runID string, started time.Time, perRun bool) string {
	if !perRun {
		return base
	}
	return filepath.Join(base, started.Format("20060102-150405")+"-"+runID[:8])
}

// buildSink assembles the clip sink and its optional archive and catalog
// decorators. cleanup flushes them and must be called once the run ends.
func buildSink(ctx context.Context, cfg *config.Config, dir, runID string, logger recorderlog.Logger) (recorder.ClipSink, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (recorder.ClipSink, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	var sink recorder.ClipSink
	switch cfg.Recording.Container {
	case "mkv":
		s, err := storage.NewMatroskaSink(storage.MatroskaConfig{
			Dir:         dir,
			JPEGQuality: cfg.Recording.JPEGQuality,
			MinFreeMB:   cfg.Recording.MinFreeMB,
		}, logger)
		if err != nil {
			return fail(err)
		}
		sink = s
	default:
		s, err := cv.NewVideoWriterSink(cv.WriterConfig{
			Dir:       dir,
			Codec:     cfg.Recording.Codec,
			MinFreeMB: cfg.Recording.MinFreeMB,
		}, logger)
		if err != nil {
			return fail(err)
		}
		sink = s
	}

	if cfg.Archive.Enabled {
		store, err := storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UseSSL:          cfg.Archive.UseSSL,
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to archive: %w", err))
		}
		archiver, err := storage.NewArchiver(store, storage.ArchiverConfig{
			Prefix:       cfg.Archive.Prefix,
			RunID:        runID,
			MaxRetries:   cfg.Archive.MaxRetries,
			RetryBackoff: cfg.Archive.RetryBackoff,
			RemoveLocal:  cfg.Archive.RemoveLocal,
			QueueSize:    cfg.Archive.QueueSize,
		}, logger)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := archiver.Close(ctx); err != nil {
				logger.Warn("Archive queue not drained", recorderlog.Error(err))
			}
			logger.Info("Archiver stopped", recorderlog.Any("metrics", archiver.Metrics()))
		})
		sink = storage.NewArchivingSink(sink, archiver)
	}

	if cfg.Catalog.Driver != "" {
		dsn := cfg.Catalog.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.Recording.OutputDir, 0o755); err != nil {
				return fail(err)
			}
			dsn = filepath.Join(cfg.Recording.OutputDir, "clips.db")
		}
		catalog, err := storage.OpenCatalog(ctx, cfg.Catalog.Driver, dsn, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to open clip catalog: %w", err))
		}
		cleanups = append(cleanups, func() { catalog.Close() })
		// Catalog writes outlive ctx so the final clip is recorded after a signal.
		sink = storage.NewCatalogSink(context.WithoutCancel(ctx), sink, catalog, runID, logger)
	}

	return sink, cleanup, nil
}
