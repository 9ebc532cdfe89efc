package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"frame-orchestrator/internal/orchestrator"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const (
	// DefaultWidth is the decoded frame width when none is configured.
	DefaultWidth = 640
	// DefaultHeight is the decoded frame height when none is configured.
	DefaultHeight = 480
)

// FFmpegOpener opens any ffmpeg-readable descriptor (RTSP, RTMP, HTTP, file)
// and decodes it to fixed-size frames over a pipe.
type FFmpegOpener struct {
	Path   string
	Width  int
	Height int
	Log    *slog.Logger
}

// Args returns the ffmpeg arguments used for descriptor, without the binary.
func (o FFmpegOpener) Args(descriptor string) []string {
	w, h := o.size()

	in := ffmpeg.KwArgs{}
	if strings.HasPrefix(strings.ToLower(descriptor), "rtsp://") {
		in["rtsp_transport"] = "tcp"
	}
	cmd := ffmpeg.Input(descriptor, in).
		Output("pipe:", ffmpeg.KwArgs{
			"map":     "0:v:0",
			"vf":      fmt.Sprintf("scale=%d:%d", w, h),
			"f":       "rawvideo",
			"pix_fmt": "rgb24",
		}).
		Compile()
	return cmd.Args[1:]
}

func (o FFmpegOpener) size() (int, int) {
	w, h := o.Width, o.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return w, h
}

// Open implements orchestrator.Opener. It starts ffmpeg and waits for the
// first decoded frame; if none arrives before ctx is done or ffmpeg exits,
// the source is reported unreachable. ctx bounds only the open.
func (o FFmpegOpener) Open(ctx context.Context, descriptor string) (orchestrator.Source, error) {
	path := o.Path
	if path == "" {
		path = "ffmpeg"
	}
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	w, h := o.size()

	cmd := exec.Command(path, o.Args(descriptor)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", orchestrator.ErrSourceUnreachable, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("ffmpeg", slog.String("source", descriptor), slog.String("line", scanner.Text()))
		}
	}()

	src := &ffmpegSource{
		cmd:    cmd,
		stdout: stdout,
		width:  w,
		height: h,
		frames: make(chan image.Image, 1),
		done:   make(chan struct{}),
	}
	go src.pump()

	select {
	case img := <-src.frames:
		src.first = img
		return src, nil
	case <-src.done:
		src.Close()
		return nil, fmt.Errorf("%w: ffmpeg produced no frames: %v", orchestrator.ErrSourceUnreachable, src.err)
	case <-ctx.Done():
		src.Close()
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrSourceUnreachable, ctx.Err())
	}
}

// ffmpegSource reads rgb24 frames from ffmpeg's stdout. A pump goroutine
// keeps only the newest decoded frame so a slow consumer never falls behind
// a live source.
type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	width  int
	height int

	first  image.Image
	frames chan image.Image
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

func (s *ffmpegSource) pump() {
	defer close(s.done)

	frameSize := s.width * s.height * 3
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			s.err = err
			return
		}
		img := rgb24ToRGBA(buf, s.width, s.height)

		select {
		case s.frames <- img:
		default:
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- img:
			default:
			}
		}
	}
}

// Read implements orchestrator.Source. It returns io.EOF once ffmpeg has
// exited and every decoded frame was consumed.
func (s *ffmpegSource) Read(ctx context.Context) (image.Image, error) {
	if s.first != nil {
		img := s.first
		s.first = nil
		return img, nil
	}

	select {
	case img := <-s.frames:
		return img, nil
	case <-s.done:
		select {
		case img := <-s.frames:
			return img, nil
		default:
		}
		if s.err != nil && !errors.Is(s.err, io.EOF) && !errors.Is(s.err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("ffmpeg read: %w", s.err)
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements orchestrator.Source. It kills ffmpeg, which also unblocks
// the pump, and reaps the process in the background.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		go func() {
			<-s.done
			_ = s.cmd.Wait()
		}()
	})
	return nil
}

func rgb24ToRGBA(buf []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
