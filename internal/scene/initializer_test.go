package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/sceneinit/internal/bus"
	"github.com/banshee-data/sceneinit/internal/monitoring"
	"github.com/banshee-data/sceneinit/internal/timeutil"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// emission is one publish observed by a recordingPublisher.
type emission struct {
	channel string
	at      time.Time
	payload string
}

// emissionLog is shared by the publishers of one test so the relative order
// of frame and pose emissions is visible.
type emissionLog struct {
	clock   timeutil.Clock
	entries []emission
}

type recordingPublisher[T any] struct {
	channel string
	log     *emissionLog
	failOn  int // 1-based publish index that fails; 0 never fails
	calls   int
	records []T
}

func (p *recordingPublisher[T]) Publish(msg T) error {
	p.calls++
	if p.failOn != 0 && p.calls == p.failOn {
		return errors.New("transport unavailable")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.records = append(p.records, msg)
	p.log.entries = append(p.log.entries, emission{channel: p.channel, at: p.log.clock.Now(), payload: string(b)})
	return nil
}

func newHarness() (*timeutil.MockClock, *emissionLog, *recordingPublisher[FrameRelationship], *recordingPublisher[PoseEstimate]) {
	clock := timeutil.NewMockClock(epoch)
	log := &emissionLog{clock: clock}
	frames := &recordingPublisher[FrameRelationship]{channel: TopicFrames, log: log}
	pose := &recordingPublisher[PoseEstimate]{channel: TopicPose, log: log}
	return clock, log, frames, pose
}

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func TestNew_Defaults(t *testing.T) {
	si := New(&recordingPublisher[FrameRelationship]{}, &recordingPublisher[PoseEstimate]{})

	if si.startupDelay != DefaultStartupDelay {
		t.Errorf("startupDelay = %v, want %v", si.startupDelay, DefaultStartupDelay)
	}
	if !si.legacyDuplicate {
		t.Error("legacyDuplicate should default to true")
	}
	if _, ok := si.clock.(timeutil.RealClock); !ok {
		t.Errorf("clock = %T, want timeutil.RealClock", si.clock)
	}
	if si.State() != StateUninitialized {
		t.Errorf("State() = %v, want uninitialized", si.State())
	}
	if !si.PublishedAt().IsZero() {
		t.Error("PublishedAt() should be zero before Initialize")
	}
}

func TestInitialize_EmissionSequence(t *testing.T) {
	clock, log, frames, pose := newHarness()
	si := New(frames, pose, WithClock(clock))

	if err := si.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	identityJSON := `"translation":{"x":0,"y":0,"z":0},"rotation":{"x":0,"y":0,"z":0,"w":1}`
	want := []string{
		TopicFrames + ` {"parent_frame":"base_link","child_frame":"gps_link",` + identityJSON + `}`,
		// Known defect kept for parity: base_link->gps_link is sent twice.
		TopicFrames + ` {"parent_frame":"base_link","child_frame":"gps_link",` + identityJSON + `}`,
		TopicFrames + ` {"parent_frame":"base_link","child_frame":"imu_link",` + identityJSON + `}`,
		TopicFrames + ` {"parent_frame":"map","child_frame":"odom",` + identityJSON + `}`,
		TopicPose + ` {"position":{"x":1,"y":-1,"z":0},"orientation":{"x":0,"y":0,"z":0,"w":1},"covariance":[` + zeros(36) + `]}`,
	}

	var got []string
	for _, e := range log.entries {
		got = append(got, e.channel+" "+e.payload)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("emission sequence mismatch (-want +got):\n%s", diff)
	}

	if len(frames.records) != 4 {
		t.Errorf("frame emissions = %d, want 4", len(frames.records))
	}
	if len(pose.records) != 1 {
		t.Errorf("pose emissions = %d, want 1", len(pose.records))
	}
	if si.State() != StatePublished {
		t.Errorf("State() = %v, want published", si.State())
	}
}

func zeros(n int) string {
	s := "0"
	for i := 1; i < n; i++ {
		s += ",0"
	}
	return s
}

func TestInitialize_DuplicateFlagged(t *testing.T) {
	clock, _, frames, pose := newHarness()

	var warnings []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	if err := New(frames, pose, WithClock(clock)).Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	seen := map[string]int{}
	for _, f := range frames.records {
		seen[f.ParentFrame+"->"+f.ChildFrame]++
	}
	if seen["base_link->gps_link"] != 2 {
		t.Errorf("legacy mode should emit base_link->gps_link twice, got %d", seen["base_link->gps_link"])
	}
	if len(warnings) == 0 || warnings[0] != "[scene] emitting base_link->gps_link twice to match the legacy emission order" {
		t.Errorf("duplicate emission was not logged: %q", warnings)
	}
}

func TestInitialize_WithoutLegacyDuplicate(t *testing.T) {
	clock, _, frames, pose := newHarness()
	si := New(frames, pose, WithClock(clock), WithLegacyDuplicate(false))

	if err := si.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var got []string
	for _, f := range frames.records {
		got = append(got, f.ParentFrame+"->"+f.ChildFrame)
	}
	want := []string{"base_link->gps_link", "base_link->imu_link", "map->odom"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestInitialize_WaitsForStartupDelay(t *testing.T) {
	for _, delay := range []time.Duration{0, 2 * time.Second, 5 * time.Second} {
		t.Run(delay.String(), func(t *testing.T) {
			clock, log, frames, pose := newHarness()
			si := New(frames, pose, WithClock(clock), WithStartupDelay(delay))

			if err := si.Initialize(); err != nil {
				t.Fatalf("Initialize: %v", err)
			}

			if diff := cmp.Diff([]time.Duration{delay}, clock.Sleeps()); diff != "" {
				t.Errorf("sleeps mismatch (-want +got):\n%s", diff)
			}
			for _, e := range log.entries {
				if e.at.Sub(epoch) < delay {
					t.Errorf("%s emitted %v after start, before the %v delay", e.channel, e.at.Sub(epoch), delay)
				}
			}
			if got := si.PublishedAt().Sub(epoch); got < delay {
				t.Errorf("PublishedAt is %v after start, want >= %v", got, delay)
			}
		})
	}
}

func TestInitialize_RealClockDelay(t *testing.T) {
	frames := bus.NewTopic[FrameRelationship](TopicFrames, bus.LatchedQoS())
	pose := bus.NewTopic[PoseEstimate](TopicPose, bus.DefaultQoS())
	_, poseCh := pose.Subscribe()

	start := time.Now()
	if err := New(frames, pose, WithStartupDelay(20*time.Millisecond)).Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Initialize returned after %v, before the startup delay", elapsed)
	}
	if len(poseCh) != 1 {
		t.Errorf("pose subscriber holds %d messages, want 1", len(poseCh))
	}
}

func TestInitialize_Deterministic(t *testing.T) {
	clock, log, frames, pose := newHarness()
	si := New(frames, pose, WithClock(clock))

	if err := si.Initialize(); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	first := append([]emission(nil), log.entries...)
	log.entries = nil

	if err := si.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	second := log.entries

	if len(first) != len(second) {
		t.Fatalf("emission count changed: %d then %d", len(first), len(second))
	}
	for i := range first {
		if first[i].channel != second[i].channel || first[i].payload != second[i].payload {
			t.Errorf("emission %d differs:\n  first:  %s %s\n  second: %s %s",
				i, first[i].channel, first[i].payload, second[i].channel, second[i].payload)
		}
	}
	if si.State() != StatePublished {
		t.Errorf("State() = %v after repeat, want published", si.State())
	}
}

func TestInitialize_PublishFailure(t *testing.T) {
	tests := []struct {
		name        string
		frameFailOn int
		poseFailOn  int
		wantFrames  int
		wantPoses   int
		wantMessage string
	}{
		{"first frame", 1, 0, 0, 0, "publish frame relationship 0 (base_link->gps_link)"},
		{"imu frame", 3, 0, 2, 0, "publish frame relationship 2 (base_link->imu_link)"},
		{"pose", 0, 1, 4, 0, "publish initial pose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock, _, frames, pose := newHarness()
			frames.failOn = tt.frameFailOn
			pose.failOn = tt.poseFailOn
			si := New(frames, pose, WithClock(clock))

			err := si.Initialize()
			if err == nil {
				t.Fatal("expected error")
			}
			if got := err.Error(); len(got) < len(tt.wantMessage) || got[:len(tt.wantMessage)] != tt.wantMessage {
				t.Errorf("error = %q, want prefix %q", got, tt.wantMessage)
			}
			if len(frames.records) != tt.wantFrames {
				t.Errorf("frames delivered = %d, want %d", len(frames.records), tt.wantFrames)
			}
			if len(pose.records) != tt.wantPoses {
				t.Errorf("poses delivered = %d, want %d", len(pose.records), tt.wantPoses)
			}
			if si.State() != StateUninitialized {
				t.Errorf("State() = %v after failure, want uninitialized", si.State())
			}
		})
	}
}

func TestInitialize_ClosedTopic(t *testing.T) {
	frames := bus.NewTopic[FrameRelationship](TopicFrames, bus.LatchedQoS())
	pose := bus.NewTopic[PoseEstimate](TopicPose, bus.DefaultQoS())
	frames.Close()

	err := New(frames, pose, WithClock(timeutil.NewMockClock(epoch))).Initialize()
	if !errors.Is(err, bus.ErrTopicClosed) {
		t.Errorf("Initialize() = %v, want ErrTopicClosed", err)
	}
}

func TestInitialize_NoPublisher(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	err := New(nil, &recordingPublisher[PoseEstimate]{}, WithClock(clock)).Initialize()
	if !errors.Is(err, ErrNoPublisher) {
		t.Errorf("Initialize() = %v, want ErrNoPublisher", err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Error("Initialize should not wait when it cannot publish")
	}
}

func TestInitialize_TypedNilPublisher(t *testing.T) {
	tests := map[string]func(Option) *Initializer{
		"nil frames topic": func(o Option) *Initializer {
			return New((*bus.Topic[FrameRelationship])(nil), &recordingPublisher[PoseEstimate]{}, o)
		},
		"nil pose topic": func(o Option) *Initializer {
			return New(&recordingPublisher[FrameRelationship]{}, (*bus.Topic[PoseEstimate])(nil), o)
		},
	}
	for name, build := range tests {
		t.Run(name, func(t *testing.T) {
			clock := timeutil.NewMockClock(epoch)
			si := build(WithClock(clock))
			err := si.Initialize()
			if !errors.Is(err, ErrNoPublisher) {
				t.Errorf("Initialize() = %v, want ErrNoPublisher", err)
			}
			if len(clock.Sleeps()) != 0 {
				t.Errorf("Initialize waited %v before failing", clock.Sleeps())
			}
			if si.State() != StateUninitialized {
				t.Errorf("State() = %s, want uninitialized", si.State())
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUninitialized: "uninitialized",
		StatePublished:     "published",
		State(7):           "State(7)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

// End to end over the bus: a subscriber present before startup sees every
// emission; one that joins afterwards still receives the latched frames but
// not the volatile pose.
func TestInitialize_OverBus(t *testing.T) {
	reg := bus.NewRegistry()
	frames, err := bus.Add[FrameRelationship](reg, TopicFrames, bus.LatchedQoS())
	if err != nil {
		t.Fatal(err)
	}
	pose, err := bus.Add[PoseEstimate](reg, TopicPose, bus.DefaultQoS())
	if err != nil {
		t.Fatal(err)
	}

	_, earlyFrames := frames.Subscribe()
	_, earlyPose := pose.Subscribe()

	clock := timeutil.NewMockClock(epoch)
	if err := New(frames, pose, WithClock(clock)).Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := StaticFrames(true)
	if diff := cmp.Diff(want, collect(earlyFrames)); diff != "" {
		t.Errorf("early frame subscriber mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]PoseEstimate{InitialPose()}, collect(earlyPose)); diff != "" {
		t.Errorf("early pose subscriber mismatch (-want +got):\n%s", diff)
	}

	_, lateFrames := frames.Subscribe()
	_, latePose := pose.Subscribe()
	if diff := cmp.Diff(want, collect(lateFrames)); diff != "" {
		t.Errorf("late frame subscriber mismatch (-want +got):\n%s", diff)
	}
	if got := collect(latePose); len(got) != 0 {
		t.Errorf("late pose subscriber received %v", got)
	}
}

func collect[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}
