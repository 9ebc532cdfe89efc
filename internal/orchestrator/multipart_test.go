package orchestrator

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestFrameWriter(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf, "image/jpeg")
	at := time.Unix(0, 1234)
	for i, payload := range []string{"one", "second"} {
		if err := fw.WriteFrame(Frame{Sequence: uint64(i + 1), Payload: []byte(payload), CapturedAt: at}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "--frame\r\n") {
		t.Errorf("body does not start with the boundary: %q", buf.String()[:20])
	}

	mr := multipart.NewReader(&buf, FrameBoundary)
	for i, want := range []string{"one", "second"} {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Content-Type = %q", ct)
		}
		if cl := part.Header.Get("Content-Length"); cl != strconv.Itoa(len(want)) {
			t.Errorf("Content-Length = %q, want %d", cl, len(want))
		}
		if seq := part.Header.Get("X-Frame-Sequence"); seq != strconv.Itoa(i+1) {
			t.Errorf("X-Frame-Sequence = %q", seq)
		}
		if ts := part.Header.Get("X-Frame-Timestamp"); ts != "1234" {
			t.Errorf("X-Frame-Timestamp = %q", ts)
		}
		body, _ := io.ReadAll(part)
		if string(body) != want {
			t.Errorf("part %d = %q, want %q", i, body, want)
		}
	}
	if _, err := mr.NextPart(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after closing boundary, got %v", err)
	}
}

func TestMultipartContentType(t *testing.T) {
	if got := MultipartContentType(); got != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("MultipartContentType = %q", got)
	}
}
