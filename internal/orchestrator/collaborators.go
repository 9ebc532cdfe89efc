package orchestrator

import (
	"context"
	"image"
	"time"
)

// Source produces decoded images for one stream.
// Read returns io.EOF when the source is exhausted; any other error is a
// per-frame read or decode failure. Close may be called while a Read is
// blocked and must unblock it.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener opens a Source from a descriptor such as an RTSP URL.
// Implementations return an error wrapping ErrSourceUnreachable when the
// source cannot be opened.
type Opener interface {
	Open(ctx context.Context, descriptor string) (Source, error)
}

// Annotator is the inference transform. It may be slow and may fail; the
// worker treats every call as potentially both.
type Annotator interface {
	Annotate(ctx context.Context, img image.Image) (image.Image, []Region, error)
}

// Encoder turns an annotated image into the delivery codec.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
	ContentType() string
}

// Decoder turns pushed frame bytes into an image.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// Detection is what a worker hands to a DetectionSink for each appended frame
// that carried at least one region.
type Detection struct {
	StreamID   StreamID  `json:"stream_id"`
	Sequence   uint64    `json:"sequence"`
	CapturedAt time.Time `json:"captured_at"`
	Regions    []Region  `json:"regions"`
}

// DetectionSink receives detections. Publish must not block the worker.
type DetectionSink interface {
	Publish(d Detection)
}
