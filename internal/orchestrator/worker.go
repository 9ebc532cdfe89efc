package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"frame-orchestrator/internal/platform/metrics"

	"golang.org/x/time/rate"
)

// DefaultFailureThreshold is the number of consecutive per-frame failures a
// worker tolerates; one more ends the stream.
const DefaultFailureThreshold = 5

// ErrWorkerFailed is the terminal reason recorded for a stream whose worker
// exceeded the failure threshold.
var ErrWorkerFailed = errors.New("worker failed")

// openFunc opens the worker's source. ctx is cancelled when the worker stops.
type openFunc func(ctx context.Context) (Source, error)

// worker owns one stream's pull, annotate, encode and append loop.
// It runs in its own goroutine and is stopped by cancelling its context.
// If it does not exit within the grace period the owner abandons it and
// cleans up on its behalf; cleanup runs exactly once either way.
type worker struct {
	rec       *StreamRecord
	log       *FrameLog
	registry  Registry
	annotator Annotator
	encoder   Encoder
	sink      DetectionSink
	limiter   *rate.Limiter
	threshold int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	state    atomic.Int32
	failures atomic.Int64
	appended atomic.Uint64
	viewers  atomic.Int64
	failed   atomic.Bool
	exitErr  atomic.Value

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running chan struct{}

	stopClaimed atomic.Bool

	srcMu     sync.Mutex
	src       Source
	srcClosed bool

	cleanupOnce sync.Once
}

func (w *worker) status() Status {
	return Status(w.state.Load())
}

func (w *worker) transition(from, to Status) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

// run opens the source, reports the outcome on ready and then loops until
// the source ends, the failure threshold is crossed or the worker is stopped.
// ready must have capacity for one value.
func (w *worker) run(open openFunc, ready chan<- error) {
	defer close(w.done)
	defer w.cleanup()
	defer func() {
		if r := recover(); r != nil {
			w.failed.Store(true)
			w.state.Store(int32(StatusFailed))
			w.logger.Error("worker panic", slog.Any("panic", r))
			select {
			case ready <- fmt.Errorf("worker panic: %v", r):
			default:
			}
		}
	}()

	src, err := open(w.ctx)
	if err != nil {
		w.failed.Store(true)
		w.state.Store(int32(StatusFailed))
		ready <- err
		return
	}
	w.setSource(src)

	if !w.transition(StatusStarting, StatusRunning) {
		ready <- fmt.Errorf("stream stopped while starting: %w", context.Canceled)
		return
	}
	close(w.running)
	ready <- nil

	w.loop(src)
}

func (w *worker) loop(src Source) {
	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(w.ctx); err != nil {
				return
			}
		}

		img, err := src.Read(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			w.logger.Info("source exhausted")
			w.transition(StatusRunning, StatusStopping)
			return
		}
		if err == nil {
			err = w.process(img)
		}
		if err != nil {
			n := w.failures.Add(1)
			w.metrics.IncFrameFailures()
			w.logger.Debug("frame failed", slog.Int64("consecutive", n), slog.String("error", err.Error()))
			if n > int64(w.threshold) {
				w.failed.Store(true)
				w.exitErr.Store(fmt.Errorf("%w: %d consecutive frame failures: %w", ErrWorkerFailed, n, err))
				w.transition(StatusRunning, StatusFailed)
				w.metrics.IncWorkerFailures()
				w.logger.Warn("too many consecutive failures, stopping stream",
					slog.Int64("consecutive", n),
					slog.Int("threshold", w.threshold),
					slog.String("error", err.Error()))
				return
			}
			continue
		}
		w.failures.Store(0)
	}
}

// process annotates, encodes and appends one frame.
func (w *worker) process(img image.Image) error {
	capturedAt := time.Now().UTC()

	annotated, regions, err := w.annotate(img)
	if err != nil {
		return fmt.Errorf("annotate: %w", err)
	}
	payload, err := w.encoder.Encode(annotated)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	f, err := w.log.Append(payload, capturedAt)
	if err != nil {
		// Log closed: the stream is being torn down.
		return nil
	}
	w.appended.Add(1)
	w.metrics.IncFramesAppended()

	if w.sink != nil && len(regions) > 0 {
		w.sink.Publish(Detection{
			StreamID:   w.rec.ID,
			Sequence:   f.Sequence,
			CapturedAt: capturedAt,
			Regions:    regions,
		})
	}
	return nil
}

// annotate calls the inference transform, converting a panic into an error.
func (w *worker) annotate(img image.Image) (out image.Image, regions []Region, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("annotator panic: %v", r)
		}
	}()
	out, regions, err = w.annotator.Annotate(w.ctx, img)
	if err == nil && out == nil {
		err = errors.New("annotator returned no image")
	}
	return out, regions, err
}

// stop signals the worker, waits up to grace for it to exit and then cleans
// up regardless of whether it did. Only the first caller gets true.
func (w *worker) stop(grace time.Duration) bool {
	first := w.stopClaimed.CompareAndSwap(false, true)
	if !w.transition(StatusRunning, StatusStopping) {
		w.transition(StatusStarting, StatusStopping)
	}
	w.cancel()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-w.done:
	case <-t.C:
		if first {
			w.metrics.IncForcedStops()
			w.logger.Warn("worker did not exit within grace period, forcing termination",
				slog.Duration("grace", grace))
		}
	}
	w.cleanup()
	return first
}

// awaitRunning blocks until the worker has opened its source or has ended.
func (w *worker) awaitRunning(ctx context.Context) error {
	select {
	case <-w.running:
		return nil
	case <-w.ctx.Done():
		return ErrNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanup releases the source, removes the registry entry and clears the
// frame log. It is safe to call any number of times.
func (w *worker) cleanup() {
	w.cleanupOnce.Do(func() {
		w.cancel()
		w.closeSource()
		w.registry.UnregisterRecord(w.rec)
		w.log.Close()

		reason := "stopped"
		if w.failed.Load() {
			reason = "failed"
		}
		w.state.Store(int32(StatusStopped))
		attrs := []any{slog.String("reason", reason), slog.Uint64("frames", w.appended.Load())}
		if err := w.err(); err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		w.logger.Info("stream ended", attrs...)
	})
}

// err returns why the worker gave up on its stream, or nil.
func (w *worker) err() error {
	if err, ok := w.exitErr.Load().(error); ok {
		return err
	}
	return nil
}

func (w *worker) setSource(src Source) {
	w.srcMu.Lock()
	defer w.srcMu.Unlock()
	if w.srcClosed {
		src.Close()
		return
	}
	w.src = src
}

func (w *worker) closeSource() {
	w.srcMu.Lock()
	defer w.srcMu.Unlock()
	if w.srcClosed {
		return
	}
	w.srcClosed = true
	if w.src != nil {
		if err := w.src.Close(); err != nil {
			w.logger.Debug("close source", slog.String("error", err.Error()))
		}
	}
}

func (w *worker) info() StreamInfo {
	return StreamInfo{
		ID:             w.rec.ID,
		Source:         w.rec.Source,
		Status:         w.status().String(),
		StartedAt:      w.rec.StartedAt,
		FramesAppended: w.appended.Load(),
		LastSequence:   w.log.LastSequence(),
		Failures:       int(w.failures.Load()),
		Viewers:        int(w.viewers.Load()),
	}
}
