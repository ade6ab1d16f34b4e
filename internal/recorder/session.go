// Package recorder implements motion-triggered clip recording: a session
// that buffers frames while idle, opens a clip when motion starts, writes
// through the motion episode and a post-roll grace period, then closes it.
package recorder

import (
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/recorder/buffer"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

// State is the session mode.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionConfig sizes the pre- and post-roll and describes the frames that
// will be written to clips.
type SessionConfig struct {
	PreRollFrames  int // frames kept while idle and flushed into each new clip
	PostRollFrames int // frames written after motion stops before the clip closes
	FrameSize      image.Point
	FPS            float64
}

// FramesFor converts a duration in seconds to a frame count at fps.
func FramesFor(seconds, fps float64) int {
	return int(math.Round(seconds * fps))
}

// Metrics tracks session activity.
type Metrics struct {
	FramesProcessed atomic.Uint64
	FramesBuffered  atomic.Uint64
	FramesEvicted   atomic.Uint64
	PreRollFrames   atomic.Uint64
	LiveFrames      atomic.Uint64
	PostRollFrames  atomic.Uint64
	ClipsOpened     atomic.Uint64
	ClipsFinalized  atomic.Uint64
	CreateFailures  atomic.Uint64
	CreateSkipped   atomic.Uint64
	WriteFailures   atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	FramesProcessed uint64
	FramesBuffered  uint64
	FramesEvicted   uint64
	PreRollFrames   uint64
	LiveFrames      uint64
	PostRollFrames  uint64
	ClipsOpened     uint64
	ClipsFinalized  uint64
	CreateFailures  uint64
	CreateSkipped   uint64
	WriteFailures   uint64
}

// FramesWritten is the total number of frames written to clips.
func (m MetricsSnapshot) FramesWritten() uint64 {
	return m.PreRollFrames + m.LiveFrames + m.PostRollFrames
}

type writeKind int

const (
	preRoll writeKind = iota
	live
	postRoll
)

// Session is the recording state machine. It is driven one frame at a time
// from a single goroutine; only Metrics may be read concurrently.
type Session struct {
	cfg     SessionConfig
	sink    ClipSink
	logger  recorderlog.Logger
	metrics Metrics

	state   State
	buffer  *buffer.RingBuffer // used while Idle
	clip    Clip               // non-nil iff Recording
	idle    int                // consecutive no-motion frames while Recording
	nextSeq int

	createFailed bool // Create failed during the current motion episode

	clipFrames int
	clipFirst  time.Time
	clipLast   time.Time
}

// NewSession creates an idle session writing clips to sink.
func NewSession(cfg SessionConfig, sink ClipSink, logger recorderlog.Logger) (*Session, error) {
	if sink == nil {
		return nil, fmt.Errorf("clip sink cannot be nil")
	}
	if cfg.PreRollFrames < 0 {
		return nil, fmt.Errorf("pre-roll frames must not be negative, got %d", cfg.PreRollFrames)
	}
	if cfg.PostRollFrames < 0 {
		return nil, fmt.Errorf("post-roll frames must not be negative, got %d", cfg.PostRollFrames)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %v", cfg.FPS)
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	return &Session{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("session"),
		state:   Idle,
		buffer:  buffer.NewRingBuffer(cfg.PreRollFrames),
		nextSeq: 1,
	}, nil
}

// State returns the current mode.
func (s *Session) State() State {
	return s.state
}

// ClipSequence returns the sequence number of the open clip, or 0 when idle.
func (s *Session) ClipSequence() int {
	if s.clip == nil {
		return 0
	}
	return s.clip.Sequence()
}

// Buffered returns the number of pre-roll frames currently held.
func (s *Session) Buffered() int {
	return s.buffer.Len()
}

// Metrics returns a snapshot of the session counters.
func (s *Session) Metrics() MetricsSnapshot {
	m := &s.metrics
	return MetricsSnapshot{
		FramesProcessed: m.FramesProcessed.Load(),
		FramesBuffered:  m.FramesBuffered.Load(),
		FramesEvicted:   m.FramesEvicted.Load(),
		PreRollFrames:   m.PreRollFrames.Load(),
		LiveFrames:      m.LiveFrames.Load(),
		PostRollFrames:  m.PostRollFrames.Load(),
		ClipsOpened:     m.ClipsOpened.Load(),
		ClipsFinalized:  m.ClipsFinalized.Load(),
		CreateFailures:  m.CreateFailures.Load(),
		CreateSkipped:   m.CreateSkipped.Load(),
		WriteFailures:   m.WriteFailures.Load(),
	}
}

// Process advances the state machine by one frame and returns the new state.
// Sink failures are logged and contained; they never stop the session.
func (s *Session) Process(f frame.Frame, motionDetected bool) State {
	s.metrics.FramesProcessed.Add(1)

	switch s.state {
	case Idle:
		switch {
		case !motionDetected:
			s.createFailed = false
			s.bufferFrame(f)
		case s.createFailed:
			// One Create attempt per motion episode.
			s.metrics.CreateSkipped.Add(1)
			s.bufferFrame(f)
		default:
			s.startClip(f)
		}

	case Recording:
		switch {
		case motionDetected:
			s.idle = 0
			if !s.write(f, live) {
				s.bufferFrame(f)
			}
		case s.idle < s.cfg.PostRollFrames:
			s.idle++
			if !s.write(f, postRoll) {
				s.bufferFrame(f)
			}
		default:
			s.finishClip("post-roll elapsed")
			s.bufferFrame(f)
		}
	}
	return s.state
}

// Close finalizes the open clip, if any.
func (s *Session) Close() error {
	s.logger.Debug("Pre-roll buffer released", recorderlog.Any("buffer", s.buffer.Metrics()))
	if s.state != Recording {
		s.buffer.Reset()
		return nil
	}
	return s.finishClip("session closed")
}

func (s *Session) bufferFrame(f frame.Frame) {
	if s.buffer.Push(f) {
		s.metrics.FramesEvicted.Add(1)
	}
	s.metrics.FramesBuffered.Add(1)
}

func (s *Session) startClip(trigger frame.Frame) {
	seq := s.nextSeq
	s.nextSeq++ // never reused, even if Create fails

	clip, err := s.sink.Create(seq, s.cfg.FrameSize, s.cfg.FPS)
	if err != nil {
		s.metrics.CreateFailures.Add(1)
		s.createFailed = true
		s.logger.Warn("Failed to open clip, staying idle until motion stops",
			recorderlog.Int("sequence", seq),
			recorderlog.Error(err))
		s.bufferFrame(trigger)
		return
	}

	s.clip = clip
	s.state = Recording
	s.idle = 0
	s.clipFrames = 0
	s.metrics.ClipsOpened.Add(1)

	pre := s.buffer.Drain()
	s.logger.Info("Clip opened",
		recorderlog.Int("sequence", seq),
		recorderlog.String("path", clip.Path()),
		recorderlog.Int("pre_roll_frames", len(pre)))

	for _, f := range pre {
		if !s.write(f, preRoll) {
			s.bufferFrame(trigger)
			return
		}
	}
	s.write(trigger, live)
}

// write appends f to the open clip. On failure the clip is abandoned and the
// session returns to Idle; write reports whether the frame was written.
func (s *Session) write(f frame.Frame, kind writeKind) bool {
	if err := s.clip.Write(f); err != nil {
		s.metrics.WriteFailures.Add(1)
		s.logger.Warn("Failed to write frame, abandoning clip",
			recorderlog.Int("sequence", s.clip.Sequence()),
			recorderlog.Uint64("frame", f.Seq),
			recorderlog.Error(err))
		_ = s.finishClip("write failed")
		return false
	}

	if s.clipFrames == 0 {
		s.clipFirst = f.Timestamp
	}
	s.clipLast = f.Timestamp
	s.clipFrames++

	switch kind {
	case preRoll:
		s.metrics.PreRollFrames.Add(1)
	case live:
		s.metrics.LiveFrames.Add(1)
	case postRoll:
		s.metrics.PostRollFrames.Add(1)
	}
	return true
}

// finishClip finalizes the open clip and returns the session to Idle with an
// empty buffer.
func (s *Session) finishClip(reason string) error {
	clip := s.clip
	s.clip = nil
	s.state = Idle
	s.idle = 0
	s.buffer.Reset()

	err := clip.Finalize()
	if err != nil {
		s.logger.Warn("Failed to finalize clip",
			recorderlog.Int("sequence", clip.Sequence()),
			recorderlog.String("path", clip.Path()),
			recorderlog.Error(err))
		return &SinkError{Op: "finalize", Sequence: clip.Sequence(), Err: err}
	}

	s.metrics.ClipsFinalized.Add(1)
	s.logger.Info("Clip finalized",
		recorderlog.Int("sequence", clip.Sequence()),
		recorderlog.String("path", clip.Path()),
		recorderlog.Int("frames", s.clipFrames),
		recorderlog.Duration("span", s.clipLast.Sub(s.clipFirst)),
		recorderlog.String("reason", reason))
	return nil
}
