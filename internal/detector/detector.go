// Package detector drives per-frame fall classification over an external
// pose estimator.
//
// A Loop pulls one frame at a time from a FrameSource, hands it to an
// Estimator, classifies the first detected pose and fires OnFallDetected
// at most once per cooldown window. Source and estimator failures are
// retried with a bounded exponential backoff; when the failure budget is
// spent the loop moves to StateUnavailable and Run returns
// ErrSourceUnavailable.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/pose"
)

var (
	// ErrNotReady is returned by a FrameSource or Estimator whose
	// underlying video or model has not finished loading.
	ErrNotReady = errors.New("pose source not ready")

	// ErrSourceClosed is wrapped by a FrameSource that failed in a way no
	// retry can recover from. Run stops on the first one.
	ErrSourceClosed = errors.New("pose source closed")

	// ErrSourceUnavailable is returned by Run after too many
	// consecutive failures.
	ErrSourceUnavailable = errors.New("pose source unavailable")
)

// Frame is one captured video frame.
type Frame struct {
	Seq        uint64
	Width      float64
	Height     float64
	CapturedAt time.Time
	// Image is the decoded frame when the source has one; estimators that
	// work from precomputed keypoints leave it nil.
	Image image.Image
}

// FrameSource yields frames in capture order. io.EOF ends the loop.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
}

// Estimator returns the people detected in a frame; an empty slice means
// nobody was found.
type Estimator interface {
	EstimatePoses(ctx context.Context, f Frame) ([]pose.Pose, error)
}

// Renderer draws the pose overlay for a frame.
type Renderer interface {
	Render(f Frame, p pose.Pose, v pose.Verdict)
}

// FallEvent is passed to OnFallDetected.
type FallEvent struct {
	Timestamp time.Time
	Frame     Frame
	Pose      pose.Pose
	Verdict   pose.Verdict
}

// Hooks are the loop's outbound callbacks. All are optional.
type Hooks struct {
	OnFallDetected func(FallEvent)
	OnUnavailable  func(error)
	Renderer       Renderer
}

// State is the loop's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCooldown
	StateUnavailable
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCooldown:
		return "cooldown"
	case StateUnavailable:
		return "unavailable"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a point-in-time view of loop progress.
type Snapshot struct {
	State               State
	FramesProcessed     uint64
	FallsFired          uint64
	FallsSuppressed     uint64
	ConsecutiveFailures int
	IndicatorLit        bool
	LastFall            time.Time
}

// Loop is a single-person fall detection loop. Create one per video source.
type Loop struct {
	cfg       Config
	source    FrameSource
	estimator Estimator
	hooks     Hooks
	gate      *Cooldown

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	state          State
	frames         uint64
	fired          uint64
	suppressed     uint64
	failures       int
	indicatorUntil time.Time
	lastFall       time.Time
}

// New creates a loop. Zero-valued Config fields take their defaults.
func New(source FrameSource, estimator Estimator, cfg Config, hooks Hooks) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:       cfg,
		source:    source,
		estimator: estimator,
		hooks:     hooks,
		gate:      NewCooldown(cfg.Cooldown),
		now:       time.Now,
		sleep:     sleepContext,
		state:     StateIdle,
	}
}

// Run processes frames until ctx is cancelled, the source reports io.EOF,
// the source fails with ErrSourceClosed, or the failure budget is spent.
// Cancellation and end of stream return nil; the other two return an error
// wrapping ErrSourceUnavailable.
func (l *Loop) Run(ctx context.Context) error {
	backoff := l.cfg.InitialBackoff
	l.setState(StateIdle)

	for {
		if ctx.Err() != nil {
			l.setState(StateStopped)
			return nil
		}

		wait := l.cfg.FrameInterval
		err := l.step(ctx)
		switch {
		case err == nil:
			backoff = l.cfg.InitialBackoff
		case ctx.Err() != nil:
			l.setState(StateStopped)
			return nil
		case errors.Is(err, io.EOF):
			log.Info().Uint64("frames", l.Snapshot().FramesProcessed).Msg("Frame source exhausted")
			l.setState(StateStopped)
			return nil
		case errors.Is(err, ErrSourceClosed):
			return l.giveUp(l.recordFailure(err), err)
		default:
			failures := l.recordFailure(err)
			if failures >= l.cfg.MaxConsecutiveFailures {
				return l.giveUp(failures, err)
			}
			log.Debug().Err(err).
				Int("failures", failures).
				Dur("backoff", backoff).
				Msg("Pose source not usable, retrying")
			wait = backoff
			backoff = min(backoff*2, l.cfg.MaxBackoff)
		}

		if wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				l.setState(StateStopped)
				return nil
			}
		}
	}
}

// step handles exactly one frame.
func (l *Loop) step(ctx context.Context) error {
	frame, err := l.source.NextFrame(ctx)
	if err != nil {
		return err
	}
	poses, err := l.estimator.EstimatePoses(ctx, frame)
	if err != nil {
		return err
	}

	now := l.now()
	l.mu.Lock()
	l.frames++
	l.failures = 0
	l.mu.Unlock()

	if len(poses) > 0 {
		p := poses[0]
		v := pose.Evaluate(p, frame.Height)
		if l.hooks.Renderer != nil {
			l.hooks.Renderer.Render(frame, p, v)
		}
		if v.Fall {
			l.handleFall(now, FallEvent{Timestamp: now, Frame: frame, Pose: p, Verdict: v})
		}
	}

	if l.gate.Active(now) {
		l.setState(StateCooldown)
	} else {
		l.setState(StateActive)
	}
	return nil
}

func (l *Loop) handleFall(now time.Time, ev FallEvent) {
	if !l.gate.Allow(now) {
		l.mu.Lock()
		l.suppressed++
		l.mu.Unlock()
		log.Debug().Str("rule", string(ev.Verdict.Rule)).Msg("Fall verdict suppressed by cooldown")
		return
	}

	l.mu.Lock()
	l.fired++
	l.lastFall = now
	l.indicatorUntil = now.Add(l.cfg.IndicatorDuration)
	l.mu.Unlock()

	log.Info().
		Str("rule", string(ev.Verdict.Rule)).
		Float64("verticalDistance", ev.Verdict.VerticalDistance).
		Float64("confidence", ev.Verdict.Confidence).
		Uint64("frame", ev.Frame.Seq).
		Msg("Fall detected")

	if l.hooks.OnFallDetected != nil {
		l.hooks.OnFallDetected(ev)
	}
}

func (l *Loop) recordFailure(err error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	if l.failures == 1 && !errors.Is(err, ErrNotReady) {
		log.Warn().Err(err).Msg("Pose estimation failed")
	}
	return l.failures
}

func (l *Loop) giveUp(failures int, cause error) error {
	l.setState(StateUnavailable)
	err := fmt.Errorf("%w after %d consecutive failures: %w", ErrSourceUnavailable, failures, cause)
	log.Error().Err(cause).Int("failures", failures).Msg("Pose source unavailable, stopping detection")
	if l.hooks.OnUnavailable != nil {
		l.hooks.OnUnavailable(err)
	}
	return err
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Detection state changed")
	}
}

// Indicator reports whether the fall indicator is lit.
func (l *Loop) Indicator() bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Before(l.indicatorUntil)
}

// Snapshot returns the loop's current counters and state.
func (l *Loop) Snapshot() Snapshot {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		State:               l.state,
		FramesProcessed:     l.frames,
		FallsFired:          l.fired,
		FallsSuppressed:     l.suppressed,
		ConsecutiveFailures: l.failures,
		IndicatorLit:        now.Before(l.indicatorUntil),
		LastFall:            l.lastFall,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
