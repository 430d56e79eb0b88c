package main

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ward-safety/internal/detector"
	"github.com/fpang/ward-safety/internal/overlay"
	"github.com/fpang/ward-safety/internal/report"
)

// queueSize bounds fall reports waiting to be sent. Falls beyond it are
// logged and dropped.
const queueSize = 16

type reporter interface {
	Report(ctx context.Context, r report.FallReport) (*report.Response, error)
}

// dispatcher handles fired falls off the detection loop. Snapshots are
// written inline because the renderer only holds the latest frame;
// reports go through a queue so a slow server never stalls detection.
type dispatcher struct {
	room     int64
	client   reporter
	renderer *overlay.Renderer
	dir      string

	queue    chan detector.FallEvent
	done     chan struct{}
	reported atomic.Int64
}

func newDispatcher(room int64, client reporter, renderer *overlay.Renderer, dir string) *dispatcher {
	return &dispatcher{
		room:     room,
		client:   client,
		renderer: renderer,
		dir:      dir,
		queue:    make(chan detector.FallEvent, queueSize),
		done:     make(chan struct{}),
	}
}

// Enqueue is the loop's OnFallDetected hook.
func (d *dispatcher) Enqueue(ev detector.FallEvent) {
	if d.renderer != nil {
		path, err := d.renderer.SaveSnapshot(d.dir, ev.Timestamp)
		if err != nil {
			log.Error().Err(err).Msg("Failed to write fall snapshot")
		} else {
			log.Info().Str("path", path).Msg("Fall snapshot saved")
		}
	}
	if d.client == nil {
		return
	}
	select {
	case d.queue <- ev:
	default:
		log.Warn().Uint64("frame", ev.Frame.Seq).Msg("Report queue full, fall not reported")
	}
}

// Run sends queued reports until Close. Reports already queued when ctx
// is cancelled are still attempted.
func (d *dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	ctx = context.WithoutCancel(ctx)
	for ev := range d.queue {
		r, err := report.FromEvent(d.room, ev)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build fall report")
			continue
		}
		if _, err := d.client.Report(ctx, r); err != nil {
			log.Error().Err(err).Int64("roomId", d.room).Msg("Failed to report fall")
			continue
		}
		d.reported.Add(1)
	}
}

// Close stops accepting reports and waits for the queue to drain.
func (d *dispatcher) Close() {
	close(d.queue)
	<-d.done
}

// Reported returns the number of falls the server accepted.
func (d *dispatcher) Reported() int {
	return int(d.reported.Load())
}
