package image

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/manash/archrefine/internal/security"
	"github.com/manash/archrefine/pkg/models"
)

const maxDownloadBytes = 32 << 20

var (
	ErrNoImageData     = errors.New("no image data available")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrUnknownRef      = errors.New("image reference outside store")
)

var allowedMIMEs = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Saver stores generated images under root, one directory per session.
type Saver struct {
	root       string
	httpClient *http.Client
	policy     security.URLPolicy
}

type Option func(*Saver)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Saver) { s.httpClient = c }
}

func WithURLPolicy(p security.URLPolicy) Option {
	return func(s *Saver) { s.policy = p }
}

func NewSaver(root string, opts ...Option) *Saver {
	s := &Saver{
		root: root,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Saver) Root() string {
	return s.root
}

// Save writes raw image bytes and returns their reference.
func (s *Saver) Save(sessionID string, data []byte) (models.ImageRef, error) {
	if len(data) == 0 {
		return "", ErrNoImageData
	}

	mime := mimetype.Detect(data).String()
	ext, ok := allowedMIMEs[mime]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}

	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return models.ImageRef(path), nil
}

// SaveBase64 decodes a b64_json payload and saves it.
func (s *Saver) SaveBase64(sessionID, encoded string) (models.ImageRef, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}
	return s.Save(sessionID, data)
}

// SaveURL downloads an image and saves it.
func (s *Saver) SaveURL(ctx context.Context, sessionID, rawURL string) (models.ImageRef, error) {
	data, err := s.download(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to download image: %w", err)
	}
	return s.Save(sessionID, data)
}

// Load reads back an image previously returned by Save.
func (s *Saver) Load(ref models.ImageRef) ([]byte, error) {
	path, err := security.Within(s.root, string(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return os.ReadFile(path)
}

// DataURL loads ref and encodes it for inline use in a chat request.
func (s *Saver) DataURL(ref models.ImageRef) (string, error) {
	data, err := s.Load(ref)
	if err != nil {
		return "", err
	}
	mime := mimetype.Detect(data).String()
	if _, ok := allowedMIMEs[mime]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}

// Discard deletes individual images, skipping ones already gone.
func (s *Saver) Discard(refs []models.ImageRef) error {
	var errs []error
	for _, ref := range refs {
		path, err := security.Within(s.root, string(ref))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownRef, ref))
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveSession deletes every image stored for a session.
func (s *Saver) RemoveSession(sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *Saver) sessionDir(sessionID string) (string, error) {
	seg, err := security.Segment(sessionID)
	if err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	return filepath.Join(s.root, seg), nil
}

func (s *Saver) download(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.policy.Check(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}
