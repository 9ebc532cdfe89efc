package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"frame-orchestrator/internal/platform/metrics"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrSourceUnreachable is returned by Start when the source cannot be opened.
	ErrSourceUnreachable = errors.New("source unreachable")

	// ErrInvalidStreamID is returned for caller-supplied ids that cannot be
	// used in a URL path segment.
	ErrInvalidStreamID = errors.New("invalid stream id")

	// ErrPushUnsupported is returned when a push stream is requested but no
	// Decoder was configured.
	ErrPushUnsupported = errors.New("push sources not configured")
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Config holds the policy knobs of the Service.
type Config struct {
	// LogCapacity is the retention window of each stream's frame log.
	LogCapacity int
	// FailureThreshold is the number of consecutive per-frame failures tolerated.
	FailureThreshold int
	// StopGracePeriod bounds how long Stop waits for a worker to exit.
	StopGracePeriod time.Duration
	// OpenTimeout bounds source open.
	OpenTimeout time.Duration
	// TargetFPS caps each worker's pull rate. Zero disables the cap.
	TargetFPS float64
	// ViewerPollTimeout is the blocking tail-read window for viewers.
	ViewerPollTimeout time.Duration
}

// DefaultConfig returns the default policy. Zero-valued fields of a Config
// passed to NewService take these values, except TargetFPS where zero means
// no cap.
func DefaultConfig() Config {
	return Config{
		LogCapacity:       DefaultLogCapacity,
		FailureThreshold:  DefaultFailureThreshold,
		StopGracePeriod:   5 * time.Second,
		OpenTimeout:       10 * time.Second,
		TargetFPS:         30,
		ViewerPollTimeout: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LogCapacity <= 0 {
		c.LogCapacity = d.LogCapacity
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = d.StopGracePeriod
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.TargetFPS < 0 {
		c.TargetFPS = 0
	}
	if c.ViewerPollTimeout <= 0 {
		c.ViewerPollTimeout = d.ViewerPollTimeout
	}
	return c
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithOpener sets the opener used for pulled sources.
func WithOpener(o Opener) Option { return func(s *Service) { s.opener = o } }

// WithAnnotator sets the inference transform. The default passes images through.
func WithAnnotator(a Annotator) Option { return func(s *Service) { s.annotator = a } }

// WithDecoder sets the decoder for pushed frames. Without it push streams are rejected.
func WithDecoder(d Decoder) Option { return func(s *Service) { s.decoder = d } }

// WithDetectionSink sets where labeled regions are published.
func WithDetectionSink(d DetectionSink) Option { return func(s *Service) { s.sink = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMetrics sets the metrics collector. It may be nil.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// Service is the session orchestrator: it starts and stops stream workers,
// enumerates live streams and attaches viewers to their frame logs.
type Service struct {
	registry  Registry
	encoder   Encoder
	opener    Opener
	decoder   Decoder
	annotator Annotator
	sink      DetectionSink
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewService returns a Service that tracks streams in registry and encodes
// annotated frames with encoder.
func NewService(registry Registry, encoder Encoder, cfg Config, opts ...Option) *Service {
	s := &Service{
		registry:  registry,
		encoder:   encoder,
		annotator: passthrough{},
		cfg:       cfg.withDefaults(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Start opens descriptor and starts a worker for it. If id is empty a new id
// is generated. The stream is reported active only after the source opened;
// on failure no registry entry is left behind.
func (s *Service) Start(ctx context.Context, id StreamID, descriptor string) (StreamID, error) {
	if descriptor == PushDescriptor {
		id, _, err := s.StartPush(ctx, id)
		return id, err
	}
	if descriptor == "" {
		return "", fmt.Errorf("%w: empty source descriptor", ErrSourceUnreachable)
	}
	if s.opener == nil {
		return "", fmt.Errorf("%w: no opener configured", ErrSourceUnreachable)
	}

	open := func(ctx context.Context) (Source, error) {
		openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
		defer cancel()
		return s.opener.Open(openCtx, descriptor)
	}
	id, _, err := s.launch(ctx, id, descriptor, nil, open)
	return id, err
}

// StartPush starts a stream whose frames are supplied through the returned
// PushSource. The stream is registered immediately.
func (s *Service) StartPush(ctx context.Context, id StreamID) (StreamID, *PushSource, error) {
	if s.decoder == nil {
		return "", nil, ErrPushUnsupported
	}
	ps := NewPushSource(s.decoder)
	ps.onReplace = s.metrics.IncPushReplaced
	open := func(context.Context) (Source, error) { return ps, nil }
	return s.launch(ctx, id, PushDescriptor, ps, open)
}

func (s *Service) launch(ctx context.Context, id StreamID, descriptor string, ps *PushSource, open openFunc) (StreamID, *PushSource, error) {
	if id == "" {
		id = StreamID(uuid.NewString())
	} else if !streamIDPattern.MatchString(string(id)) {
		return "", nil, ErrInvalidStreamID
	}

	rec := &StreamRecord{ID: id, Source: descriptor, StartedAt: time.Now().UTC(), push: ps}
	w := s.newWorker(rec)
	rec.worker = w

	// Reserve the id; the record is not reported active until Running.
	if err := s.registry.Register(rec); err != nil {
		w.cancel()
		return "", nil, err
	}

	ready := make(chan error, 1)
	go w.run(open, ready)

	t := time.NewTimer(s.cfg.OpenTimeout + s.cfg.StopGracePeriod)
	defer t.Stop()

	var err error
	select {
	case err = <-ready:
	case <-t.C:
		err = errors.New("open timed out")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		w.cleanup()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return "", nil, err
		}
		if !errors.Is(err, ErrSourceUnreachable) {
			err = fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
		}
		s.log.Warn("stream start failed",
			slog.String("stream_id", string(id)),
			slog.String("source", descriptor),
			slog.String("error", err.Error()))
		return "", nil, err
	}

	s.metrics.IncStreamsStarted()
	s.log.Info("stream started",
		slog.String("stream_id", string(id)),
		slog.String("source", descriptor))
	return id, ps, nil
}

func (s *Service) newWorker(rec *StreamRecord) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		rec:       rec,
		log:       NewFrameLog(s.cfg.LogCapacity),
		registry:  s.registry,
		annotator: s.annotator,
		encoder:   s.encoder,
		sink:      s.sink,
		threshold: s.cfg.FailureThreshold,
		logger:    s.log.With(slog.String("stream_id", string(rec.ID))),
		metrics:   s.metrics,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		running:   make(chan struct{}),
	}
	if s.cfg.TargetFPS > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(s.cfg.TargetFPS), 1)
	}
	w.state.Store(int32(StatusStarting))
	return w
}

// Stop signals the stream's worker, waits up to the grace period for it to
// exit, and guarantees the registry entry and frame log are cleared before
// returning. When several callers stop the same stream at once only one of
// them succeeds; the others wait for the cleanup and get ErrNotFound.
func (s *Service) Stop(id StreamID) error {
	rec, ok := s.registry.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	if !rec.worker.stop(s.cfg.StopGracePeriod) {
		return ErrNotFound
	}
	s.metrics.IncStreamsStopped()
	s.log.Info("stream stopped", slog.String("stream_id", string(id)))
	return nil
}

// StopAll stops every running stream concurrently. Used on shutdown.
func (s *Service) StopAll() {
	var wg sync.WaitGroup
	for _, id := range s.registry.ListActive() {
		wg.Add(1)
		go func(id StreamID) {
			defer wg.Done()
			if err := s.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
				s.log.Error("stop stream failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
			}
		}(id)
	}
	wg.Wait()
}

// ListActive returns the running streams ordered by start time.
func (s *Service) ListActive() []StreamID {
	return s.registry.ListActive()
}

// IsActive reports whether id is a running stream.
func (s *Service) IsActive(id StreamID) bool {
	return s.registry.IsActive(id)
}

// WaitRunning blocks until the stream id has opened its source. It returns
// ErrNotFound if id is unknown or the stream ends first, and gives up after
// the open timeout plus the stop grace period.
func (s *Service) WaitRunning(ctx context.Context, id StreamID) error {
	rec, ok := s.registry.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout+s.cfg.StopGracePeriod)
	defer cancel()
	if err := rec.worker.awaitRunning(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Info returns a status snapshot of a live stream.
func (s *Service) Info(id StreamID) (StreamInfo, error) {
	rec, ok := s.registry.Lookup(id)
	if !ok {
		return StreamInfo{}, ErrNotFound
	}
	return rec.worker.info(), nil
}

// AttachViewer returns the live frame sequence of a running stream.
//
// The sequence starts at the newest retained frame and yields frames in
// strictly increasing sequence order until the stream stops or ctx is done,
// at which point it ends without error. Each range over the sequence is an
// independent reader with its own cursor.
func (s *Service) AttachViewer(ctx context.Context, id StreamID) (iter.Seq[Frame], error) {
	rec, ok := s.registry.Lookup(id)
	if !ok || rec.Status() != StatusRunning {
		return nil, ErrNotFound
	}
	w := rec.worker

	return func(yield func(Frame) bool) {
		w.viewers.Add(1)
		s.metrics.AddViewers(1)
		defer func() {
			w.viewers.Add(-1)
			s.metrics.AddViewers(-1)
		}()

		cursor := w.log.LastSequence()
		if cursor > 0 {
			cursor--
		}
		for {
			frames, next, err := w.log.ReadFrom(ctx, cursor, s.cfg.ViewerPollTimeout)
			if err != nil {
				return
			}
			if len(frames) == 0 {
				if ctx.Err() != nil || !s.isCurrent(rec) {
					return
				}
				continue
			}
			cursor = next
			for _, f := range frames {
				if !yield(f) {
					return
				}
			}
		}
	}, nil
}

// isCurrent reports whether rec is still the running record for its id.
func (s *Service) isCurrent(rec *StreamRecord) bool {
	cur, ok := s.registry.Lookup(rec.ID)
	return ok && cur == rec && rec.Status() == StatusRunning
}

// ContentType is the content type of every frame payload.
func (s *Service) ContentType() string {
	return s.encoder.ContentType()
}

type passthrough struct{}

func (passthrough) Annotate(_ context.Context, img image.Image) (image.Image, []Region, error) {
	return img, nil, nil
}
