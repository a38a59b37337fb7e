package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/driver"
	"github.com/atelierhq/atelier/internal/ailink/encode"
)

const (
	defaultImageModel = "gpt-image-1"
	maxImagesPerCall  = 10
)

// imagesRequest is the /images/generations body. GPT image models always
// return base64 and accept output_format and background; DALL-E models need
// response_format instead.
type imagesRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	OutputFormat   string `json:"output_format,omitempty"`
	Background     string `json:"background,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imagesResponse struct {
	Created      int64  `json:"created"`
	OutputFormat string `json:"output_format,omitempty"`
	Size         string `json:"size,omitempty"`
	Quality      string `json:"quality,omitempty"`
	Data         []struct {
		B64JSON string `json:"b64_json,omitempty"`
		URL     string `json:"url,omitempty"`
	} `json:"data"`
}

func newImagesRequest(req *driver.ImageRequest) (imagesRequest, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return imagesRequest{}, errors.New("prompt is required")
	}
	n := req.Count
	if n <= 0 {
		n = 1
	}
	if n > maxImagesPerCall {
		return imagesRequest{}, fmt.Errorf("count must be between 1 and %d", maxImagesPerCall)
	}

	body := imagesRequest{
		Model:   strings.TrimSpace(req.Model),
		Prompt:  req.Prompt,
		N:       n,
		Size:    strings.TrimSpace(req.Size),
		Quality: strings.TrimSpace(req.Quality),
	}
	if body.Model == "" {
		body.Model = defaultImageModel
	}

	if strings.HasPrefix(body.Model, "dall-e") {
		body.ResponseFormat = "b64_json"
		// DALL-E 3 only knows standard|hd.
		if q := strings.ToLower(body.Quality); q == "" || q == "auto" {
			body.Quality = "standard"
		}
		return body, nil
	}
	body.OutputFormat = strings.TrimSpace(req.OutputFormat)
	body.Background = strings.TrimSpace(req.Background)
	return body, nil
}

// GenerateImage asks the provider for images. Base64 results become image
// blocks typed by output format; hosted results become text blocks holding
// the URL.
func (c *Client) GenerateImage(ctx context.Context, req *driver.ImageRequest) (*driver.ImageResponse, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	body, err := newImagesRequest(req)
	if err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, "/images/generations", body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	var parsed imagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	format := parsed.OutputFormat
	if format == "" {
		format = strings.ToLower(body.OutputFormat)
	}
	mime := content.ContentTypePNG
	if format != "" {
		mime = content.ContentType("image/" + format)
	}

	images := make([]content.ContentBlock, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		switch {
		case strings.TrimSpace(item.B64JSON) != "":
			data, err := encode.DecodeBase64String(item.B64JSON)
			if err != nil {
				return nil, fmt.Errorf("decode image base64: %w", err)
			}
			images = append(images, content.ContentBlock{Type: mime, Data: data})
		case strings.TrimSpace(item.URL) != "":
			images = append(images, content.ContentBlock{Type: content.ContentTypeText, Text: item.URL})
		}
	}
	if len(images) == 0 {
		return nil, errors.New("provider returned no images")
	}

	return &driver.ImageResponse{
		Created:      parsed.Created,
		OutputFormat: parsed.OutputFormat,
		Size:         parsed.Size,
		Quality:      parsed.Quality,
		Images:       images,
	}, nil
}
