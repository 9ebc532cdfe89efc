package orchestrator

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
)

// FrameBoundary is the multipart boundary used for live frame delivery.
const FrameBoundary = "frame"

// MultipartContentType returns the response content type for a live stream.
func MultipartContentType() string {
	return "multipart/x-mixed-replace; boundary=" + FrameBoundary
}

// FrameWriter writes frames as independent parts of a
// multipart/x-mixed-replace body.
type FrameWriter struct {
	mw          *multipart.Writer
	contentType string
}

// NewFrameWriter returns a FrameWriter writing to w. Every part is declared
// with contentType.
func NewFrameWriter(w io.Writer, contentType string) *FrameWriter {
	mw := multipart.NewWriter(w)
	// The boundary is a fixed valid token; SetBoundary cannot fail here.
	_ = mw.SetBoundary(FrameBoundary)
	return &FrameWriter{mw: mw, contentType: contentType}
}

// WriteFrame writes f as one part.
func (fw *FrameWriter) WriteFrame(f Frame) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", fw.contentType)
	h.Set("Content-Length", strconv.Itoa(len(f.Payload)))
	h.Set("X-Frame-Sequence", strconv.FormatUint(f.Sequence, 10))
	h.Set("X-Frame-Timestamp", strconv.FormatInt(f.CapturedAt.UnixNano(), 10))

	part, err := fw.mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(f.Payload); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return nil
}

// Close writes the closing boundary.
func (fw *FrameWriter) Close() error {
	return fw.mw.Close()
}
