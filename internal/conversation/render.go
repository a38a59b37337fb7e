package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/internal/ailink/driver"
	"github.com/atelierhq/atelier/internal/media"
	"github.com/atelierhq/atelier/internal/stream"
)

// RenderName is the image generation capability.
const RenderName = "render"

// MediaStore persists generated images.
type MediaStore interface {
	SaveImage(ctx context.Context, data []byte) (media.Object, error)
}

// Render generates an image from a synthesized prompt and stores it.
type Render struct {
	Images driver.ImageGenerator
	Media  MediaStore
	Model  string
	Size   string
}

// Tool implements Capability.
func (r *Render) Tool() driver.Tool {
	return driver.Tool{
		Name:        RenderName,
		Description: "Generate a photorealistic image of the proposed design. Describe the space, materials, colours and lighting in the prompt.",
		Parameters: objectSchema([]string{"prompt"}, map[string]any{
			"prompt": stringProperty("Complete visual description of the image to generate"),
		}),
	}
}

// Invoke implements Capability.
func (r *Render) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	if r.Images == nil {
		return nil, errors.New("image generation is not configured")
	}
	prompt, err := call.Require("prompt")
	if err != nil {
		return nil, err
	}

	resp, err := r.Images.GenerateImage(ctx, &driver.ImageRequest{
		Model:  r.Model,
		Prompt: prompt,
		Count:  1,
		Size:   r.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	if len(resp.Images) == 0 {
		return nil, errors.New("provider returned no images")
	}

	image := resp.Images[0]
	result := map[string]any{"status": stream.StatusSuccess, "prompt": prompt}
	switch {
	case len(image.Data) > 0:
		if r.Media == nil {
			return nil, errors.New("media store is not configured")
		}
		obj, err := r.Media.SaveImage(ctx, image.Data)
		if err != nil {
			return nil, fmt.Errorf("store image: %w", err)
		}
		result["imageUrl"] = obj.URL
		if obj.ThumbnailURL != "" {
			result["thumbnailUrl"] = obj.ThumbnailURL
		}
	case strings.HasPrefix(image.Text, "https://"):
		// Hosted result; the provider keeps the object.
		result["imageUrl"] = image.Text
	default:
		return nil, errors.New("provider returned an unusable image")
	}
	return result, nil
}
