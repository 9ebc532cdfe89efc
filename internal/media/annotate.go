package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"net/http"
	"time"

	"frame-orchestrator/internal/orchestrator"
)

// Passthrough is the annotator used when no inference backend is configured.
// It returns every image unchanged with no regions.
type Passthrough struct{}

// Annotate implements orchestrator.Annotator.
func (Passthrough) Annotate(_ context.Context, img image.Image) (image.Image, []orchestrator.Region, error) {
	return img, nil, nil
}

const defaultInferenceTimeout = 2 * time.Second

var boxColor = color.RGBA{R: 0xff, G: 0x30, B: 0x30, A: 0xff}

// RemoteDetector sends each frame as a JPEG to an HTTP inference endpoint
// and draws the returned boxes onto a copy of the frame.
//
// The endpoint answers with:
//
//	{"detections": [{"label": "person", "score": 0.91, "box": [x1, y1, x2, y2]}]}
type RemoteDetector struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	Encoder JPEG
}

type detectionResponse struct {
	Detections []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
		Box   []int   `json:"box"`
	} `json:"detections"`
}

// Annotate implements orchestrator.Annotator.
func (d *RemoteDetector) Annotate(ctx context.Context, img image.Image) (image.Image, []orchestrator.Region, error) {
	body, err := d.Encoder.Encode(img)
	if err != nil {
		return nil, nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", d.Encoder.ContentType())

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, fmt.Errorf("inference returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out detectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decode inference response: %w", err)
	}

	bounds := img.Bounds()
	regions := make([]orchestrator.Region, 0, len(out.Detections))
	for _, det := range out.Detections {
		if len(det.Box) != 4 {
			return nil, nil, errors.New("inference response: box must have 4 coordinates")
		}
		r := image.Rect(det.Box[0], det.Box[1], det.Box[2], det.Box[3]).Intersect(bounds)
		if r.Empty() {
			continue
		}
		regions = append(regions, orchestrator.Region{Label: det.Label, Score: det.Score, Bounds: r})
	}

	if len(regions) == 0 {
		return img, nil, nil
	}
	return DrawRegions(img, regions), regions, nil
}

// DrawRegions returns a copy of img with a two-pixel outline around each region.
func DrawRegions(img image.Image, regions []orchestrator.Region) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	src := image.NewUniform(boxColor)
	const t = 2
	for _, reg := range regions {
		r := reg.Bounds
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
			image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
			image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
			image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(out, e.Intersect(b), src, image.Point{}, draw.Src)
		}
	}
	return out
}
