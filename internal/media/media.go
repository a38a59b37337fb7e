// Package media stores rendered images and validates inbound ones.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned for names with no stored object.
var ErrNotFound = errors.New("media object not found")

var namePattern = regexp.MustCompile(`^[a-f0-9-]{36}(\.thumb)?\.(png|jpg|webp|gif)$`)

// Object describes a stored media file.
type Object struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	// ThumbnailURL is set when a thumbnail was written alongside the object.
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Store writes media objects to a directory and addresses them under BaseURL.
type Store struct {
	Dir     string
	BaseURL string
	Limits  Limits
	// ThumbnailSize is the longest thumbnail edge in pixels; 0 disables thumbnails.
	ThumbnailSize int
}

// NewStore returns a filesystem media store rooted at dir.
func NewStore(dir, baseURL string, limits Limits) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("media directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "/media"
	}
	return &Store{Dir: dir, BaseURL: baseURL, Limits: limits, ThumbnailSize: defaultThumbnailSize}, nil
}

// SaveImage validates data as an image and writes it under a fresh name.
func (s *Store) SaveImage(ctx context.Context, data []byte) (Object, error) {
	if s == nil {
		return Object{}, errors.New("media store not configured")
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	info, err := ValidateImage(data, s.Limits)
	if err != nil {
		return Object{}, err
	}

	id := uuid.NewString()
	name := id + "." + info.Extension
	if err := writeFileAtomic(filepath.Join(s.Dir, name), data); err != nil {
		return Object{}, err
	}

	obj := Object{
		Name:     name,
		URL:      s.URL(name),
		MimeType: info.MimeType,
		Size:     int64(len(data)),
		Width:    info.Width,
		Height:   info.Height,
	}

	if s.ThumbnailSize > 0 {
		thumbName := id + ".thumb.jpg"
		if thumb, err := Thumbnail(data, s.ThumbnailSize); err == nil {
			if err := writeFileAtomic(filepath.Join(s.Dir, thumbName), thumb); err == nil {
				obj.ThumbnailURL = s.URL(thumbName)
			}
		}
	}
	return obj, nil
}

// URL returns the public address of a stored object.
func (s *Store) URL(name string) string {
	return s.BaseURL + "/" + path.Clean(name)
}

// Open returns a reader for a stored object. Names outside the store's naming scheme are not found.
func (s *Store) Open(name string) (io.ReadSeekCloser, Object, error) {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return nil, Object{}, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Object{}, ErrNotFound
	}
	if err != nil {
		return nil, Object{}, fmt.Errorf("open media %s: %w", name, err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Object{}, fmt.Errorf("stat media %s: %w", name, err)
	}
	return f, Object{
		Name:     name,
		URL:      s.URL(name),
		MimeType: mimeForExtension(strings.TrimPrefix(filepath.Ext(name), ".")),
		Size:     stat.Size(),
	}, nil
}

func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("create media file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close media file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("store media file: %w", err)
	}
	return nil
}
