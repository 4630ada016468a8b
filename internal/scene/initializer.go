package scene

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/banshee-data/sceneinit/internal/monitoring"
	"github.com/banshee-data/sceneinit/internal/timeutil"
)

// Channel names and defaults of the startup scene.
const (
	NodeName = "set_pose_and_static_tf_node"

	// TopicFrames carries FrameRelationship records.
	TopicFrames = "/tf_static"
	// TopicPose carries PoseEstimate records in the map frame.
	TopicPose = "/set_pose"

	DefaultStartupDelay = 2 * time.Second
)

// ErrNoPublisher is returned by Initialize when a channel handle is missing,
// including a typed nil such as a nil *bus.Topic.
var ErrNoPublisher = errors.New("publisher not configured")

var logf = monitoring.Component("scene")

// Publisher is a fire-and-forget output channel.
type Publisher[T any] interface {
	Publish(T) error
}

// State is the lifecycle position of an Initializer.
type State int

const (
	StateUninitialized State = iota
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePublished:
		return "published"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures an Initializer.
type Option func(*Initializer)

// WithClock sets the clock used for the startup delay.
func WithClock(c timeutil.Clock) Option {
	return func(i *Initializer) { i.clock = c }
}

// WithStartupDelay overrides DefaultStartupDelay.
func WithStartupDelay(d time.Duration) Option {
	return func(i *Initializer) { i.startupDelay = d }
}

// WithLegacyDuplicate controls whether base_link->gps_link is emitted twice.
func WithLegacyDuplicate(on bool) Option {
	return func(i *Initializer) { i.legacyDuplicate = on }
}

// Initializer emits the startup scene. It owns its two publisher handles for
// its whole lifetime; nothing else should publish through them.
type Initializer struct {
	frames Publisher[FrameRelationship]
	pose   Publisher[PoseEstimate]

	clock           timeutil.Clock
	startupDelay    time.Duration
	legacyDuplicate bool

	mu          sync.Mutex
	state       State
	publishedAt time.Time
}

// New creates an Initializer publishing frame relationships to frames and the
// initial pose to pose. By default it waits DefaultStartupDelay on the real
// clock and reproduces the legacy duplicate emission.
func New(frames Publisher[FrameRelationship], pose Publisher[PoseEstimate], opts ...Option) *Initializer {
	i := &Initializer{
		frames:          frames,
		pose:            pose,
		clock:           timeutil.RealClock{},
		startupDelay:    DefaultStartupDelay,
		legacyDuplicate: true,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Initialize blocks for the startup delay, then publishes the static frame
// relationships in order followed by the initial pose. The delay cannot be
// cancelled. Each record is an independent publish; the first failure is
// returned and nothing after it is attempted.
//
// Initialize is meant to run once per process, but calling it again emits
// the identical sequence.
func (i *Initializer) Initialize() error {
	if isNil(i.frames) || isNil(i.pose) {
		return ErrNoPublisher
	}

	i.clock.Sleep(i.startupDelay)

	frames := StaticFrames(i.legacyDuplicate)
	if i.legacyDuplicate {
		logf("emitting %s->%s twice to match the legacy emission order", FrameBaseLink, FrameGPSLink)
	}
	for n, f := range frames {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("frame relationship %d (%s->%s): %w", n, f.ParentFrame, f.ChildFrame, err)
		}
		if err := i.frames.Publish(f); err != nil {
			return fmt.Errorf("publish frame relationship %d (%s->%s): %w", n, f.ParentFrame, f.ChildFrame, err)
		}
	}

	pose := InitialPose()
	if err := pose.Validate(); err != nil {
		return fmt.Errorf("initial pose: %w", err)
	}
	if err := i.pose.Publish(pose); err != nil {
		return fmt.Errorf("publish initial pose: %w", err)
	}

	i.mu.Lock()
	i.state = StatePublished
	i.publishedAt = i.clock.Now()
	i.mu.Unlock()

	logf("published %d frame relationships and %s", len(frames), pose)
	return nil
}

// State reports whether the scene has been published.
func (i *Initializer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// PublishedAt returns when the last successful Initialize finished, or the
// zero time.
func (i *Initializer) PublishedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.publishedAt
}

// isNil reports whether v is nil or an interface holding a nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
