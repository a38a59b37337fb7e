package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/encode"
)

const (
	defaultThumbnailSize  = 256
	defaultMaxImageBytes  = 8 << 20
	defaultMaxImagePixels = 4096 * 4096
)

// Validation errors.
var (
	ErrImageTooLarge   = errors.New("image exceeds size limit")
	ErrImageTooManyPx  = errors.New("image exceeds pixel limit")
	ErrImageFormat     = errors.New("unsupported image format")
	ErrImageReference  = errors.New("image must be a data url or https url")
	ErrImageDimensions = errors.New("invalid image dimensions")
)

// Limits bounds accepted images.
type Limits struct {
	MaxBytes  int64
	MaxPixels int
}

func (l Limits) maxBytes() int64 {
	if l.MaxBytes > 0 {
		return l.MaxBytes
	}
	return defaultMaxImageBytes
}

func (l Limits) maxPixels() int {
	if l.MaxPixels > 0 {
		return l.MaxPixels
	}
	return defaultMaxImagePixels
}

// ImageInfo describes a validated image.
type ImageInfo struct {
	MimeType  string
	Extension string
	Width     int
	Height    int
}

// ValidateImage checks size, format and pixel count without decoding the full image.
func ValidateImage(data []byte, limits Limits) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, fmt.Errorf("%w: empty", ErrImageFormat)
	}
	if int64(len(data)) > limits.maxBytes() {
		return ImageInfo{}, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(data))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%w: %v", ErrImageFormat, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, ErrImageDimensions
	}
	if cfg.Width*cfg.Height > limits.maxPixels() {
		return ImageInfo{}, fmt.Errorf("%w: %dx%d", ErrImageTooManyPx, cfg.Width, cfg.Height)
	}

	ext := format
	if ext == "jpeg" {
		ext = "jpg"
	}
	return ImageInfo{MimeType: "image/" + format, Extension: ext, Width: cfg.Width, Height: cfg.Height}, nil
}

// InboundImage turns a client image reference into a content block for the model.
// Data URLs are decoded and validated; https URLs pass through untouched.
func InboundImage(ref string, limits Limits) (content.ContentBlock, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "data:"):
		_, data, err := encode.ParseDataURL(ref)
		if err != nil {
			return content.ContentBlock{}, fmt.Errorf("%w: %v", ErrImageFormat, err)
		}
		info, err := ValidateImage(data, limits)
		if err != nil {
			return content.ContentBlock{}, err
		}
		return content.ContentBlock{Type: content.ContentType(info.MimeType), Data: data}, nil
	case strings.HasPrefix(ref, "https://"):
		return content.ImageURL("", ref), nil
	default:
		return content.ContentBlock{}, ErrImageReference
	}
}

// Thumbnail scales an image so its longest edge is at most maxSize and encodes it as JPEG.
func Thumbnail(data []byte, maxSize int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, ErrImageDimensions
	}

	scale := float64(maxSize) / float64(max(width, height))
	if scale > 1 {
		scale = 1
	}
	newW := max(int(float64(width)*scale), 1)
	newH := max(int(float64(height)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mimeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return "image/png"
	}
}
