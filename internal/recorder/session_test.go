package recorder

import (
	"errors"
	"fmt"
	"image"
	"math/rand"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/motionclip/internal/frame"
	"github.com/mikeyg42/motionclip/internal/recorder/recorderlog"
)

type fakeClip struct {
	seq       int
	frames    []uint64
	finalized bool
	failWrite int // fail the n-th write (1-based); 0 never
	writes    int
}

func (c *fakeClip) Sequence() int { return c.seq }
func (c *fakeClip) Path() string  { return ClipName(c.seq, "fake") }

func (c *fakeClip) Write(f frame.Frame) error {
	if c.finalized {
		return fmt.Errorf("write after finalize")
	}
	c.writes++
	if c.failWrite > 0 && c.writes == c.failWrite {
		return errors.New("device gone")
	}
	c.frames = append(c.frames, f.Seq)
	return nil
}

func (c *fakeClip) Finalize() error {
	if c.finalized {
		return fmt.Errorf("finalized twice")
	}
	c.finalized = true
	return nil
}

type fakeSink struct {
	clips      []*fakeClip
	attempts   []int
	failCreate map[int]bool
	failWrite  int
}

func (s *fakeSink) Create(seq int, size image.Point, fps float64) (Clip, error) {
	s.attempts = append(s.attempts, seq)
	if s.failCreate[seq] {
		return nil, &SinkError{Op: "create", Sequence: seq, Err: errors.New("no space left on device")}
	}
	c := &fakeClip{seq: seq, failWrite: s.failWrite}
	s.clips = append(s.clips, c)
	return c, nil
}

func newTestSession(t *testing.T, pre, post int, sink ClipSink) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		PreRollFrames:  pre,
		PostRollFrames: post,
		FrameSize:      image.Pt(4, 4),
		FPS:            10,
	}, sink, recorderlog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// feed runs one frame per motion flag, numbering frames from 1.
func feed(s *Session, motion []bool) {
	for i, m := range motion {
		s.Process(frame.Frame{Seq: uint64(i + 1)}, m)
	}
}

func pattern(script string) []bool {
	out := make([]bool, 0, len(script))
	for _, c := range script {
		out = append(out, c == 'M')
	}
	return out
}

func TestScenarioMotionThenPostRoll(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, 0, 3, sink)

	feed(s, pattern("MMM....."))

	if len(sink.clips) != 1 {
		t.Fatalf("created %d clips, want 1", len(sink.clips))
	}
	c := sink.clips[0]
	if !c.finalized {
		t.Fatal("clip should be closed after the post-roll")
	}
	if len(c.frames) != 6 {
		t.Fatalf("clip has %d frames (%v), want 6", len(c.frames), c.frames)
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}

	m := s.Metrics()
	if m.LiveFrames != 3 || m.PostRollFrames != 3 {
		t.Errorf("live=%d post=%d, want 3 and 3", m.LiveFrames, m.PostRollFrames)
	}
}

func TestScenarioPreRollFlush(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, 4, 2, sink)

	feed(s, pattern("..........M"))

	if len(sink.clips) != 1 {
		t.Fatalf("created %d clips, want 1", len(sink.clips))
	}
	want := []uint64{7, 8, 9, 10, 11}
	if fmt.Sprint(sink.clips[0].frames) != fmt.Sprint(want) {
		t.Fatalf("clip frames = %v, want %v", sink.clips[0].frames, want)
	}
	if s.Buffered() != 0 {
		t.Errorf("buffer holds %d frames while recording", s.Buffered())
	}
	if s.ClipSequence() != 1 {
		t.Errorf("open clip sequence = %d, want 1", s.ClipSequence())
	}
}

func TestScenarioCreateFailureStaysIdle(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &fakeSink{failCreate: map[int]bool{1: true}}
	s, err := NewSession(SessionConfig{PreRollFrames: 2, PostRollFrames: 1, FrameSize: image.Pt(4, 4), FPS: 10},
		sink, recorderlog.NewZap(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}

	if got := s.Process(frame.Frame{Seq: 1}, true); got != Idle {
		t.Fatalf("state after failed create = %v, want idle", got)
	}
	if s.ClipSequence() != 0 {
		t.Fatal("no clip should be open")
	}
	if logs.FilterMessage("Failed to open clip, staying idle until motion stops").Len() != 1 {
		t.Error("expected a warning for the failed create")
	}

	s.Process(frame.Frame{Seq: 2}, false)
	s.Process(frame.Frame{Seq: 3}, false)
	if len(sink.clips) != 0 {
		t.Fatal("idle frames must not reach any clip")
	}

	if got := s.Process(frame.Frame{Seq: 4}, true); got != Recording {
		t.Fatalf("state after retry = %v, want recording", got)
	}
	if fmt.Sprint(sink.attempts) != "[1 2]" {
		t.Fatalf("create attempts = %v, want [1 2]", sink.attempts)
	}
	if got := sink.clips[0].frames; fmt.Sprint(got) != "[2 3 4]" {
		t.Errorf("retried clip frames = %v, want [2 3 4]", got)
	}
	if s.Metrics().CreateFailures != 1 {
		t.Errorf("create failures = %d, want 1", s.Metrics().CreateFailures)
	}
}

func TestCreateRetriedOncePerEpisode(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &fakeSink{failCreate: map[int]bool{1: true}}
	s, err := NewSession(SessionConfig{PreRollFrames: 2, PostRollFrames: 1, FrameSize: image.Pt(4, 4), FPS: 10},
		sink, recorderlog.NewZap(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}

	feed(s, pattern("MMM.M"))

	if fmt.Sprint(sink.attempts) != "[1 2]" {
		t.Fatalf("create attempts = %v, want [1 2]", sink.attempts)
	}
	if n := logs.FilterMessage("Failed to open clip, staying idle until motion stops").Len(); n != 1 {
		t.Errorf("got %d create warnings, want 1", n)
	}
	if got := fmt.Sprint(sink.clips[0].frames); got != "[3 4 5]" {
		t.Errorf("clip frames = %s, want [3 4 5]", got)
	}
	m := s.Metrics()
	if m.CreateFailures != 1 || m.CreateSkipped != 2 {
		t.Errorf("create failures = %d, skipped = %d, want 1 and 2", m.CreateFailures, m.CreateSkipped)
	}
}

func TestGapsMergeOrSplitClips(t *testing.T) {
	testCases := []struct {
		name   string
		post   int
		script string
		clips  int
	}{
		{"single episode", 3, "..MM...", 1},
		{"gap equal to post-roll merges", 3, "M...M", 1},
		{"gap longer than post-roll splits", 3, "M....M", 2},
		{"no post-roll closes on first idle frame", 0, "M.M.M", 3},
		{"three episodes", 2, "MM...MM...M", 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &fakeSink{}
			s := newTestSession(t, 2, tc.post, sink)
			feed(s, pattern(tc.script))
			if len(sink.clips) != tc.clips {
				t.Fatalf("created %d clips, want %d", len(sink.clips), tc.clips)
			}
		})
	}
}

func TestClosedClipFrameSeedsNextPreRoll(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, 3, 1, sink)

	// Frame 3 closes clip 1 and is buffered; frames 3-4 become pre-roll of clip 2.
	feed(s, pattern("M...M"))

	if len(sink.clips) != 2 {
		t.Fatalf("created %d clips, want 2", len(sink.clips))
	}
	if got := fmt.Sprint(sink.clips[0].frames); got != "[1 2]" {
		t.Errorf("clip 1 frames = %s, want [1 2]", got)
	}
	if got := fmt.Sprint(sink.clips[1].frames); got != "[3 4 5]" {
		t.Errorf("clip 2 frames = %s, want [3 4 5]", got)
	}
}

func TestWriteFailureAbandonsClip(t *testing.T) {
	sink := &fakeSink{failWrite: 2}
	s := newTestSession(t, 0, 5, sink)

	s.Process(frame.Frame{Seq: 1}, true)
	if got := s.Process(frame.Frame{Seq: 2}, true); got != Idle {
		t.Fatalf("state after write failure = %v, want idle", got)
	}
	if !sink.clips[0].finalized {
		t.Fatal("abandoned clip should be finalized")
	}

	// Next motion opens a fresh clip with the next sequence number.
	s.Process(frame.Frame{Seq: 3}, true)
	if len(sink.clips) != 2 || sink.clips[1].seq != 2 {
		t.Fatalf("expected clip 2 to open, got %d clips", len(sink.clips))
	}
	if s.Metrics().WriteFailures != 1 {
		t.Errorf("write failures = %d, want 1", s.Metrics().WriteFailures)
	}
}

func TestWriteFailureKeepsFrameForNextClip(t *testing.T) {
	sink := &fakeSink{failWrite: 2}
	s := newTestSession(t, 2, 5, sink)

	s.Process(frame.Frame{Seq: 1}, true)
	s.Process(frame.Frame{Seq: 2}, true)
	if s.State() != Idle || s.Buffered() != 1 {
		t.Fatalf("state = %v with %d buffered, want idle with the failed frame", s.State(), s.Buffered())
	}

	sink.failWrite = 0
	s.Process(frame.Frame{Seq: 3}, true)
	if len(sink.clips) != 2 {
		t.Fatalf("created %d clips, want 2", len(sink.clips))
	}
	if got := fmt.Sprint(sink.clips[1].frames); got != "[2 3]" {
		t.Errorf("clip 2 frames = %s, want [2 3]", got)
	}
}

func TestCloseFinalizesOpenClip(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSession(t, 1, 10, sink)

	feed(s, pattern(".MM"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.clips[0].finalized {
		t.Fatal("Close should finalize the open clip")
	}
	if s.State() != Idle {
		t.Fatalf("state after close = %v", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewSessionValidation(t *testing.T) {
	sink := &fakeSink{}
	testCases := []struct {
		name string
		cfg  SessionConfig
		sink ClipSink
	}{
		{"nil sink", SessionConfig{FPS: 10}, nil},
		{"negative pre-roll", SessionConfig{PreRollFrames: -1, FPS: 10}, sink},
		{"negative post-roll", SessionConfig{PostRollFrames: -1, FPS: 10}, sink},
		{"zero fps", SessionConfig{}, sink},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSession(tc.cfg, tc.sink, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// expectedClips counts motion episodes separated by more than post idle frames.
func expectedClips(motion []bool, post int) int {
	clips, last := 0, -1
	for i, m := range motion {
		if !m {
			continue
		}
		if last < 0 || i-last-1 > post {
			clips++
		}
		last = i
	}
	return clips
}

func TestRandomSequencesProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		pre := rng.Intn(5)
		post := rng.Intn(5)
		n := 1 + rng.Intn(80)
		motion := make([]bool, n)
		for i := range motion {
			motion[i] = rng.Intn(3) == 0
		}

		sink := &fakeSink{}
		s := newTestSession(t, pre, post, sink)
		for i, m := range motion {
			s.Process(frame.Frame{Seq: uint64(i + 1)}, m)
			if s.Buffered() > pre {
				t.Fatalf("run %d: buffer holds %d > %d", run, s.Buffered(), pre)
			}
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}

		if got, want := len(sink.clips), expectedClips(motion, post); got != want {
			t.Fatalf("run %d (pre=%d post=%d %v): %d clips, want %d", run, pre, post, motion, got, want)
		}

		var last uint64
		written := make(map[uint64]bool)
		for _, c := range sink.clips {
			if !c.finalized {
				t.Fatalf("run %d: clip %d left open", run, c.seq)
			}
			for _, seq := range c.frames {
				if seq <= last {
					t.Fatalf("run %d: frame %d written after %d", run, seq, last)
				}
				last = seq
				written[seq] = true
			}
		}
		for i, m := range motion {
			if m && !written[uint64(i+1)] {
				t.Fatalf("run %d: motion frame %d not recorded", run, i+1)
			}
		}
	}
}

func TestSinkErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("opening: %w", &SinkError{Op: "create", Sequence: 4, Err: errors.New("read-only file system")})
	if !errors.Is(err, ErrSinkUnavailable) {
		t.Fatal("SinkError should match ErrSinkUnavailable")
	}
	var se *SinkError
	if !errors.As(err, &se) || se.Sequence != 4 {
		t.Fatalf("errors.As failed: %v", err)
	}
}

func TestFramesFor(t *testing.T) {
	if got := FramesFor(2, 29.97); got != 60 {
		t.Errorf("FramesFor(2, 29.97) = %d, want 60", got)
	}
	if got := FramesFor(0, 30); got != 0 {
		t.Errorf("FramesFor(0, 30) = %d, want 0", got)
	}
}

func TestCloseLogsBufferStats(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := NewSession(SessionConfig{PreRollFrames: 2, FrameSize: image.Pt(4, 4), FPS: 10},
		&fakeSink{}, recorderlog.NewZap(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}
	feed(s, pattern("..."))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	entries := logs.FilterMessage("Pre-roll buffer released").All()
	if len(entries) != 1 {
		t.Fatalf("got %d buffer log entries, want 1", len(entries))
	}
	stats, ok := entries[0].ContextMap()["buffer"].(map[string]interface{})
	if !ok {
		t.Fatalf("buffer field = %#v", entries[0].ContextMap()["buffer"])
	}
	if stats["total_pushes"] != uint64(3) || stats["evictions"] != uint64(1) {
		t.Errorf("buffer stats = %v", stats)
	}
}
