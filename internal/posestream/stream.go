// Package posestream reads keypoint estimates produced by an external pose
// estimator as JSON lines, one frame per line:
//
//	{"frameWidth":640,"frameHeight":480,"timestamp":"2026-05-01T03:00:00Z",
//	 "poses":[{"keypoints":[{"name":"nose","x":320,"y":110,"score":0.93}, ...]}]}
//
// A line of the form {"error":"..."} reports an estimator that is not ready
// yet. A Stream is both the detector's frame source and its estimator.
package posestream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fpang/ward-safety/internal/detector"
	"github.com/fpang/ward-safety/internal/pose"
)

// maxLineSize bounds one JSON line.
const maxLineSize = 1 << 20

// Line is one decoded stream record.
type Line struct {
	FrameWidth  float64     `json:"frameWidth"`
	FrameHeight float64     `json:"frameHeight"`
	Timestamp   time.Time   `json:"timestamp"`
	Poses       []pose.Pose `json:"poses"`
	Error       string      `json:"error,omitempty"`
}

// Stream decodes frames from a reader.
type Stream struct {
	sc  *bufio.Scanner
	now func() time.Time

	mu      sync.Mutex
	seq     uint64
	current Line
}

// New creates a Stream over r.
func New(r io.Reader) *Stream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Stream{sc: sc, now: time.Now}
}

// NextFrame reads the next non-blank line. It returns io.EOF at the end of
// input and a decode error for a malformed line. A read failure, including
// a line longer than maxLineSize, leaves the scanner unusable and wraps
// detector.ErrSourceClosed.
func (s *Stream) NextFrame(ctx context.Context) (detector.Frame, error) {
	if err := ctx.Err(); err != nil {
		return detector.Frame{}, err
	}
	var raw []byte
	for len(raw) == 0 {
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return detector.Frame{}, fmt.Errorf("read pose stream: %w: %w", detector.ErrSourceClosed, err)
			}
			return detector.Frame{}, io.EOF
		}
		raw = s.sc.Bytes()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++

	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		s.current = Line{}
		return detector.Frame{}, fmt.Errorf("decode pose line %d: %w", s.seq, err)
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = s.now()
	}
	s.current = line
	return detector.Frame{
		Seq:        s.seq,
		Width:      line.FrameWidth,
		Height:     line.FrameHeight,
		CapturedAt: line.Timestamp,
	}, nil
}

// EstimatePoses returns the poses decoded with frame f.
func (s *Stream) EstimatePoses(_ context.Context, f detector.Frame) ([]pose.Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Seq != s.seq {
		return nil, fmt.Errorf("frame %d is no longer current (at %d)", f.Seq, s.seq)
	}
	if s.current.Error != "" {
		return nil, fmt.Errorf("%w: %s", detector.ErrNotReady, s.current.Error)
	}
	if f.Height <= 0 {
		return nil, errors.New("frame height missing")
	}
	return s.current.Poses, nil
}
