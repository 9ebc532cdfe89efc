package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errFrame = errors.New("bad frame")

// testEncoder encodes every image as a short text tag.
type testEncoder struct{}

func (testEncoder) Encode(img image.Image) ([]byte, error) {
	return []byte(fmt.Sprintf("w=%d", img.Bounds().Dx())), nil
}

func (testEncoder) ContentType() string { return "image/test" }

// testDecoder decodes data into a 1-pixel-high image as wide as data.
type testDecoder struct{}

func (testDecoder) Decode(data []byte) (image.Image, error) {
	if string(data) == "corrupt" {
		return nil, errFrame
	}
	return image.NewGray(image.Rect(0, 0, len(data), 1)), nil
}

// scriptSource serves results from script in order, then repeats the last
// entry forever. A nil entry produces a frame. A non-nil gate holds every
// read until it is closed.
type scriptSource struct {
	mu     sync.Mutex
	script []error
	reads  atomic.Int64
	closed atomic.Bool
	delay  time.Duration
	gate   chan struct{}
}

func newTickSource() *scriptSource {
	return &scriptSource{delay: time.Millisecond}
}

func (s *scriptSource) Read(ctx context.Context) (image.Image, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.reads.Add(1)

	s.mu.Lock()
	var err error
	if len(s.script) > 0 {
		err = s.script[0]
		if len(s.script) > 1 {
			s.script = s.script[1:]
		}
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (s *scriptSource) Close() error {
	s.closed.Store(true)
	return nil
}

// testOpener maps descriptor prefixes to behaviour:
//
//	tick://...  a fresh endless source
//	eof://N     a source that ends after N frames
//	bad://...   ErrSourceUnreachable
//	hang://...  blocks until ctx is done or release is closed
type testOpener struct {
	mu      sync.Mutex
	sources []*scriptSource
	release chan struct{}
	opens   atomic.Int64
}

func newTestOpener() *testOpener {
	return &testOpener{release: make(chan struct{})}
}

func (o *testOpener) Open(ctx context.Context, d string) (Source, error) {
	o.opens.Add(1)
	switch {
	case strings.HasPrefix(d, "bad://"):
		return nil, fmt.Errorf("%w: refused", ErrSourceUnreachable)
	case strings.HasPrefix(d, "hang://"):
		select {
		case <-o.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case strings.HasPrefix(d, "eof://"):
		var n int
		fmt.Sscanf(strings.TrimPrefix(d, "eof://"), "%d", &n)
		script := make([]error, n+1)
		script[n] = io.EOF
		src := &scriptSource{script: script, delay: time.Millisecond}
		o.track(src)
		return src, nil
	}
	src := newTickSource()
	o.track(src)
	return src, nil
}

func (o *testOpener) track(s *scriptSource) {
	o.mu.Lock()
	o.sources = append(o.sources, s)
	o.mu.Unlock()
}

func (o *testOpener) last() *scriptSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sources) == 0 {
		return nil
	}
	return o.sources[len(o.sources)-1]
}

// sourceOpener always returns src.
type sourceOpener struct{ src Source }

func (o sourceOpener) Open(context.Context, string) (Source, error) { return o.src, nil }

type annotatorFunc func(ctx context.Context, img image.Image) (image.Image, []Region, error)

func (f annotatorFunc) Annotate(ctx context.Context, img image.Image) (image.Image, []Region, error) {
	return f(ctx, img)
}

type recordingSink struct {
	mu  sync.Mutex
	got []Detection
}

func (s *recordingSink) Publish(d Detection) {
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
}

func (s *recordingSink) detections() []Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Detection(nil), s.got...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		LogCapacity:       10,
		FailureThreshold:  3,
		StopGracePeriod:   500 * time.Millisecond,
		OpenTimeout:       time.Second,
		ViewerPollTimeout: 20 * time.Millisecond,
	}
}

func newTestService(t *testing.T, opener Opener, opts ...Option) (*Service, *InMemoryRegistry) {
	t.Helper()
	reg := NewInMemoryRegistry()
	opts = append([]Option{WithOpener(opener), WithDecoder(testDecoder{}), WithLogger(testLogger())}, opts...)
	svc := NewService(reg, testEncoder{}, testConfig(), opts...)
	t.Cleanup(svc.StopAll)
	return svc, reg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
