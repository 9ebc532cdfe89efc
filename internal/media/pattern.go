package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/url"
	"strconv"

	"frame-orchestrator/internal/orchestrator"
)

// PatternScheme is the descriptor scheme served by PatternOpener,
// e.g. "test://pattern?frames=300".
const PatternScheme = "test"

// PatternOpener opens synthetic sources that render a moving bar. They need
// no network and are used for smoke tests and demos.
type PatternOpener struct {
	Width  int
	Height int
}

// Open implements orchestrator.Opener. The optional "frames" query parameter
// ends the source with io.EOF after that many frames.
func (o PatternOpener) Open(_ context.Context, descriptor string) (orchestrator.Source, error) {
	u, err := url.Parse(descriptor)
	if err != nil || u.Scheme != PatternScheme {
		return nil, fmt.Errorf("%w: not a pattern descriptor %q", orchestrator.ErrSourceUnreachable, descriptor)
	}

	limit := 0
	if s := u.Query().Get("frames"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid frames %q", orchestrator.ErrSourceUnreachable, s)
		}
		limit = n
	}

	w, h := o.Width, o.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return &patternSource{width: w, height: h, limit: limit}, nil
}

type patternSource struct {
	width  int
	height int
	limit  int
	n      int
}

func (s *patternSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.limit > 0 && s.n >= s.limit {
		return nil, io.EOF
	}
	s.n++

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	bar := (s.n * 8) % s.width
	shade := uint8(s.n * 3)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			c := color.RGBA{R: shade, G: uint8(y), B: uint8(x), A: 0xff}
			if x >= bar && x < bar+16 {
				c = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func (s *patternSource) Close() error {
	return nil
}
