package media

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"frame-orchestrator/internal/orchestrator"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestJPEG_roundTrip(t *testing.T) {
	codec := JPEG{Quality: 90}
	data, err := codec.Encode(solid(32, 24, color.RGBA{R: 10, G: 200, B: 30, A: 255}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) < 2 || data[0] != 0xff || data[1] != 0xd8 {
		t.Fatalf("expected JPEG SOI marker, got % x", data[:2])
	}

	img, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := img.Bounds(); got != image.Rect(0, 0, 32, 24) {
		t.Errorf("bounds = %v", got)
	}
	if codec.ContentType() != "image/jpeg" {
		t.Errorf("ContentType = %q", codec.ContentType())
	}
}

func TestJPEG_Decode_invalid(t *testing.T) {
	if _, err := (JPEG{}).Decode([]byte("not a jpeg")); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestPatternOpener_framesLimit(t *testing.T) {
	ctx := context.Background()
	src, err := PatternOpener{Width: 16, Height: 8}.Open(ctx, "test://pattern?frames=3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	for i := 0; i < 3; i++ {
		img, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
			t.Errorf("frame %d bounds = %v", i, img.Bounds())
		}
	}
	if _, err := src.Read(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after limit, got %v", err)
	}
}

func TestPatternOpener_rejects(t *testing.T) {
	for _, d := range []string{"rtsp://cam/1", "test://pattern?frames=x"} {
		_, err := PatternOpener{}.Open(context.Background(), d)
		if !errors.Is(err, orchestrator.ErrSourceUnreachable) {
			t.Errorf("Open(%q): expected ErrSourceUnreachable, got %v", d, err)
		}
	}
}

type recordingOpener struct {
	name string
	got  *[]string
}

func (o recordingOpener) Open(_ context.Context, d string) (orchestrator.Source, error) {
	*o.got = append(*o.got, o.name+":"+d)
	return nil, nil
}

func TestMuxOpener_dispatch(t *testing.T) {
	var got []string
	m := MuxOpener{
		Schemes:  map[string]orchestrator.Opener{"test": recordingOpener{"pattern", &got}},
		Fallback: recordingOpener{"ffmpeg", &got},
	}
	ctx := context.Background()
	_, _ = m.Open(ctx, "TEST://pattern")
	_, _ = m.Open(ctx, "rtsp://cam/1")
	_, _ = m.Open(ctx, "/tmp/clip.mp4")

	want := []string{"pattern:TEST://pattern", "ffmpeg:rtsp://cam/1", "ffmpeg:/tmp/clip.mp4"}
	if !slices.Equal(got, want) {
		t.Errorf("dispatch = %v, want %v", got, want)
	}
}

func TestMuxOpener_noFallback(t *testing.T) {
	_, err := MuxOpener{}.Open(context.Background(), "rtsp://cam/1")
	if !errors.Is(err, orchestrator.ErrSourceUnreachable) {
		t.Errorf("expected ErrSourceUnreachable, got %v", err)
	}
}

func TestFFmpegOpener_Args(t *testing.T) {
	args := FFmpegOpener{Width: 320, Height: 240}.Args("rtsp://cam/1")
	for _, want := range []string{"rtsp://cam/1", "rawvideo", "rgb24", "scale=320:240", "tcp", "pipe:"} {
		if !slices.Contains(args, want) {
			t.Errorf("args %v missing %q", args, want)
		}
	}

	args = FFmpegOpener{}.Args("/tmp/clip.mp4")
	if slices.Contains(args, "tcp") {
		t.Errorf("rtsp transport set for a file input: %v", args)
	}
	if !slices.Contains(args, "scale=640:480") {
		t.Errorf("default size not applied: %v", args)
	}
}

func TestFFmpegOpener_missingBinary(t *testing.T) {
	o := FFmpegOpener{Path: "/nonexistent/ffmpeg"}
	_, err := o.Open(context.Background(), "rtsp://cam/1")
	if !errors.Is(err, orchestrator.ErrSourceUnreachable) {
		t.Errorf("expected ErrSourceUnreachable, got %v", err)
	}
}

func TestRGB24ToRGBA(t *testing.T) {
	img := rgb24ToRGBA([]byte{1, 2, 3, 4, 5, 6}, 2, 1)
	if got := img.RGBAAt(1, 0); got != (color.RGBA{R: 4, G: 5, B: 6, A: 255}) {
		t.Errorf("pixel = %v", got)
	}
}

func TestRemoteDetector_Annotate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"label": "person", "score": 0.9, "box": []int{4, 4, 20, 20}},
				{"label": "offscreen", "score": 0.5, "box": []int{100, 100, 120, 120}},
			},
		})
	}))
	defer srv.Close()

	d := &RemoteDetector{URL: srv.URL, Client: srv.Client()}
	in := solid(32, 32, color.RGBA{A: 255})
	out, regions, err := d.Annotate(context.Background(), in)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if len(regions) != 1 || regions[0].Label != "person" {
		t.Fatalf("regions = %+v", regions)
	}
	if regions[0].Bounds != image.Rect(4, 4, 20, 20) {
		t.Errorf("bounds = %v", regions[0].Bounds)
	}

	r, _, _, _ := out.At(4, 4).RGBA()
	if r>>8 != 0xff {
		t.Errorf("box outline not drawn at (4,4)")
	}
	if in.RGBAAt(4, 4).R != 0 {
		t.Error("input image was modified")
	}
}

func TestRemoteDetector_errorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &RemoteDetector{URL: srv.URL}
	if _, _, err := d.Annotate(context.Background(), solid(8, 8, color.RGBA{A: 255})); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestPassthrough(t *testing.T) {
	in := solid(4, 4, color.RGBA{A: 255})
	out, regions, err := Passthrough{}.Annotate(context.Background(), in)
	if err != nil || out != image.Image(in) || regions != nil {
		t.Errorf("Passthrough changed the frame: %v %v %v", out, regions, err)
	}
}
