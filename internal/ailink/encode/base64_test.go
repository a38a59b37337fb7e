package encode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBase64RoundTrip(t *testing.T) {
	original := []byte("hello")
	encoded := EncodeBase64String(original)
	decoded, err := DecodeBase64String(encoded)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestParseDataURL(t *testing.T) {
	mime, data, err := ParseDataURL(DataURL("image/PNG", []byte("pixels")))
	require.NoError(t, err)
	require.Equal(t, "image/png", mime)
	require.Equal(t, []byte("pixels"), data)

	_, _, err = ParseDataURL("https://example.com/a.png")
	require.Error(t, err)
	_, _, err = ParseDataURL("data:image/png,raw")
	require.Error(t, err)
	_, _, err = ParseDataURL("data:image/png;base64")
	require.Error(t, err)
	_, _, err = ParseDataURL("data:image/png;base64,***")
	require.Error(t, err)
}
