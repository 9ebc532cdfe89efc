package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLogClosed is returned by FrameLog operations after Close.
var ErrLogClosed = errors.New("frame log closed")

// DefaultLogCapacity is the number of frames retained per stream when no
// capacity is configured.
const DefaultLogCapacity = 10

// FrameLog is a bounded, append-only ring of frames for one stream.
//
// It has a single producer and any number of readers. Append never blocks;
// when the log is full the oldest frame is evicted. Readers wait for frames
// newer than their cursor with ReadFrom. Each Append closes the current
// notify channel and installs a fresh one, which wakes every waiting reader
// without the producer knowing how many there are.
type FrameLog struct {
	mu      sync.Mutex
	frames  []Frame
	start   int
	count   int
	lastSeq uint64
	notify  chan struct{}
	closed  bool
}

// NewFrameLog returns an empty log retaining at most capacity frames.
// If capacity <= 0, DefaultLogCapacity is used.
func NewFrameLog(capacity int) *FrameLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &FrameLog{
		frames: make([]Frame, capacity),
		notify: make(chan struct{}),
	}
}

// Append stores payload as the next frame and wakes blocked readers.
// It returns ErrLogClosed once the log has been closed.
func (l *FrameLog) Append(payload []byte, capturedAt time.Time) (Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Frame{}, ErrLogClosed
	}

	capacity := len(l.frames)
	if l.count == capacity {
		l.frames[l.start] = Frame{}
		l.start = (l.start + 1) % capacity
		l.count--
	}

	l.lastSeq++
	f := Frame{Sequence: l.lastSeq, Payload: payload, CapturedAt: capturedAt}
	l.frames[(l.start+l.count)%capacity] = f
	l.count++

	close(l.notify)
	l.notify = make(chan struct{})
	return f, nil
}

// ReadFrom returns every retained frame with a sequence greater than cursor,
// oldest first, together with the advanced cursor.
//
// If no such frame exists it blocks until one is appended, the timeout
// elapses, ctx is done or the log is closed. A timeout is not an error: it
// returns no frames and the unchanged cursor so the caller can re-check
// liveness. A timeout <= 0 checks once without blocking. After Close it
// returns ErrLogClosed.
func (l *FrameLog) ReadFrom(ctx context.Context, cursor uint64, timeout time.Duration) ([]Frame, uint64, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, cursor, ErrLogClosed
		}
		if frames := l.newerLocked(cursor); len(frames) > 0 {
			l.mu.Unlock()
			return frames, frames[len(frames)-1].Sequence, nil
		}
		notify := l.notify
		l.mu.Unlock()

		if expired == nil {
			return nil, cursor, nil
		}

		select {
		case <-notify:
		case <-expired:
			return nil, cursor, nil
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		}
	}
}

// newerLocked copies the retained frames with a sequence greater than cursor.
// Caller must hold l.mu.
func (l *FrameLog) newerLocked(cursor uint64) []Frame {
	if l.count == 0 || cursor >= l.lastSeq {
		return nil
	}
	oldest := l.lastSeq - uint64(l.count) + 1
	from := cursor + 1
	if from < oldest {
		from = oldest
	}
	n := int(l.lastSeq - from + 1)
	out := make([]Frame, 0, n)
	capacity := len(l.frames)
	for i := int(from - oldest); i < l.count; i++ {
		out = append(out, l.frames[(l.start+i)%capacity])
	}
	return out
}

// Close discards retained frames and wakes all blocked readers, which then
// observe ErrLogClosed. Close is idempotent.
func (l *FrameLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.frames = nil
	l.start, l.count = 0, 0
	close(l.notify)
}

// Len returns the number of retained frames.
func (l *FrameLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// LastSequence returns the sequence of the newest frame ever appended, or 0.
func (l *FrameLog) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Closed reports whether Close has been called.
func (l *FrameLog) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
