package orchestrator

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEmptyFrame is returned when a push carries no data.
var ErrEmptyFrame = errors.New("empty frame")

// PushSource is a Source fed by callers instead of pulled.
//
// It holds at most one pending frame. Offering a frame while another is still
// pending replaces it, so a slow worker always processes the most recent frame
// and never queues.
type PushSource struct {
	decoder Decoder

	mu      sync.Mutex
	pending []byte

	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	lastPush  atomic.Int64
	replaced  atomic.Uint64
	onReplace func()
}

// NewPushSource returns an empty PushSource decoding frames with decoder.
func NewPushSource(decoder Decoder) *PushSource {
	p := &PushSource{
		decoder: decoder,
		signal:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	p.lastPush.Store(time.Now().UnixNano())
	return p
}

// Offer makes data the pending frame. It reports whether an unconsumed frame
// was replaced. Offer never blocks.
func (p *PushSource) Offer(data []byte) bool {
	p.mu.Lock()
	replaced := p.pending != nil
	p.pending = data
	p.mu.Unlock()

	p.lastPush.Store(time.Now().UnixNano())
	if replaced {
		p.replaced.Add(1)
		if p.onReplace != nil {
			p.onReplace()
		}
	}

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return replaced
}

// Read takes the pending frame, waiting for one if the slot is empty.
// It returns io.EOF once the source is closed.
func (p *PushSource) Read(ctx context.Context) (image.Image, error) {
	for {
		p.mu.Lock()
		data := p.pending
		p.pending = nil
		p.mu.Unlock()

		if data != nil {
			return p.decoder.Decode(data)
		}

		select {
		case <-p.signal:
		case <-p.closed:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements Source.Close. It unblocks a waiting Read.
func (p *PushSource) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// LastPush returns when a frame was last offered, or when the source was
// created if none was.
func (p *PushSource) LastPush() time.Time {
	return time.Unix(0, p.lastPush.Load())
}

// Replaced returns how many pending frames were discarded by newer ones.
func (p *PushSource) Replaced() uint64 {
	return p.replaced.Load()
}

// Ingress accepts pushed frames and routes them to push streams.
type Ingress struct {
	svc *Service
	log *slog.Logger
}

// NewIngress returns an Ingress backed by svc.
func NewIngress(svc *Service, log *slog.Logger) *Ingress {
	return &Ingress{svc: svc, log: log}
}

// Push hands data to the stream id. An empty id starts a new push stream
// and returns its id; the caller echoes that id on later pushes. Pushing to
// an id that is not a running push stream fails with ErrNotFound.
func (in *Ingress) Push(ctx context.Context, id StreamID, data []byte) (StreamID, error) {
	if len(data) == 0 {
		return id, ErrEmptyFrame
	}

	if id == "" {
		newID, ps, err := in.svc.StartPush(ctx, "")
		if err != nil {
			return "", err
		}
		ps.Offer(data)
		return newID, nil
	}

	ps, err := in.source(id)
	if err != nil {
		return id, err
	}
	ps.Offer(data)
	return id, nil
}

func (in *Ingress) source(id StreamID) (*PushSource, error) {
	rec, ok := in.svc.registry.Lookup(id)
	if !ok || rec.push == nil || rec.Status() != StatusRunning {
		return nil, ErrNotFound
	}
	return rec.push, nil
}

// IsActive reports whether id is a running stream.
func (in *Ingress) IsActive(id StreamID) bool {
	return in.svc.IsActive(id)
}

// IdleStreams returns the running push streams that have not received a
// frame within timeout.
func (in *Ingress) IdleStreams(timeout time.Duration) []StreamID {
	now := time.Now()
	var idle []StreamID
	for _, id := range in.svc.ListActive() {
		rec, ok := in.svc.registry.Lookup(id)
		if !ok || rec.push == nil {
			continue
		}
		if now.Sub(rec.push.LastPush()) > timeout {
			idle = append(idle, id)
		}
	}
	return idle
}

// RunWatchdog stops push streams idle for longer than timeout, checking every
// interval until ctx is done. The ingress itself never times streams out;
// this loop is the caller-side watchdog.
func (in *Ingress) RunWatchdog(ctx context.Context, timeout, interval time.Duration) {
	if timeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = timeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range in.IdleStreams(timeout) {
				in.log.Info("push stream idle, stopping",
					slog.String("stream_id", string(id)),
					slog.Duration("idle_timeout", timeout))
				if err := in.svc.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
					in.log.Error("stop idle stream failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
				}
			}
		}
	}
}
