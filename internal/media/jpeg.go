package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultJPEGQuality is used when JPEG.Quality is zero.
const DefaultJPEGQuality = 80

// JPEG is the delivery codec. It encodes annotated frames and decodes pushed ones.
type JPEG struct {
	Quality int
}

// Encode implements orchestrator.Encoder.
func (j JPEG) Encode(img image.Image) ([]byte, error) {
	q := j.Quality
	if q <= 0 || q > 100 {
		q = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ContentType implements orchestrator.Encoder.
func (JPEG) ContentType() string {
	return "image/jpeg"
}

// Decode implements orchestrator.Decoder.
func (JPEG) Decode(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return img, nil
}
