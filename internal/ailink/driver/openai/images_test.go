package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/driver"
)

func imageServer(t *testing.T, check func(payload map[string]any), response string) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/generations", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		check(payload)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "test-key")
	client.HTTPClient = server.Client()
	return client
}

func TestGenerateImage_DecodesBase64(t *testing.T) {
	client := imageServer(t, func(payload map[string]any) {
		require.Equal(t, "gpt-image-1", payload["model"])
		require.Equal(t, "walnut desk", payload["prompt"])
		require.Equal(t, "1024x1024", payload["size"])
	}, `{"created":1,"output_format":"webp","data":[{"b64_json":"aGVsbG8="}]}`)

	resp, err := client.GenerateImage(context.Background(), &driver.ImageRequest{Prompt: "walnut desk", Size: "1024x1024"})
	require.NoError(t, err)
	require.Len(t, resp.Images, 1)
	require.Equal(t, []byte("hello"), resp.Images[0].Data)
	require.Equal(t, content.ContentTypeWebP, resp.Images[0].Type)
}

func TestGenerateImage_DALLEOmitsOutputFormatAndBackground(t *testing.T) {
	client := imageServer(t, func(payload map[string]any) {
		require.Equal(t, "dall-e-3", payload["model"])
		require.Equal(t, "b64_json", payload["response_format"])
		require.Equal(t, "standard", payload["quality"])
		_, hasOutput := payload["output_format"]
		require.False(t, hasOutput)
		_, hasBackground := payload["background"]
		require.False(t, hasBackground)
	}, `{"created":1,"data":[{"b64_json":"aGVsbG8="}]}`)

	resp, err := client.GenerateImage(context.Background(), &driver.ImageRequest{Model: "dall-e-3", Prompt: "hello", OutputFormat: "webp", Background: "transparent", Quality: "auto"})
	require.NoError(t, err)
	require.Equal(t, content.ContentTypePNG, resp.Images[0].Type)
}

func TestGenerateImage_HostedURLAndEmptyResult(t *testing.T) {
	client := imageServer(t, func(map[string]any) {}, `{"created":1,"data":[{"url":"https://cdn.example/a.png"}]}`)
	resp, err := client.GenerateImage(context.Background(), &driver.ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/a.png", resp.Images[0].Text)

	empty := imageServer(t, func(map[string]any) {}, `{"created":1,"data":[]}`)
	_, err = empty.GenerateImage(context.Background(), &driver.ImageRequest{Prompt: "x"})
	require.Error(t, err)
}

func TestGenerateImage_Validation(t *testing.T) {
	client := NewClient("", "test-key")
	_, err := client.GenerateImage(context.Background(), &driver.ImageRequest{})
	require.Error(t, err)
	_, err = client.GenerateImage(context.Background(), &driver.ImageRequest{Prompt: "x", Count: 11})
	require.Error(t, err)
	_, err = NewClient("", "").GenerateImage(context.Background(), &driver.ImageRequest{Prompt: "x"})
	require.ErrorContains(t, err, "api key")
}
