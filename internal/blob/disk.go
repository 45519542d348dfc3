package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DiskStore keeps blobs on the local filesystem and serves them from a public
// base URL (the API mounts the directory as a static route).
type DiskStore struct {
	root    string
	baseURL string
	client  *http.Client
}

func NewDiskStore(root, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root dir: %w", err)
	}
	return &DiskStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (s *DiskStore) PutFromURL(ctx context.Context, sourceURL, keyPrefix string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob: download returned status %d", resp.StatusCode)
	}

	key := s.newKey(keyPrefix, extensionFor(sourceURL, resp.Header.Get("Content-Type")))
	if err := s.writeFile(key, resp.Body); err != nil {
		return nil, err
	}
	return s.object(key), nil
}

func (s *DiskStore) PutFromBytes(ctx context.Context, data []byte, keyPrefix string) (*Object, error) {
	key := s.newKey(keyPrefix, ".bin")
	if err := s.writeFile(key, strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	return s.object(key), nil
}

func (s *DiskStore) newKey(prefix, ext string) string {
	return path.Join(prefix, uuid.New().String()+ext)
}

func (s *DiskStore) writeFile(key string, r io.Reader) error {
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blob: create dir: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("blob: create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("blob: write file: %w", err)
	}
	return nil
}

func (s *DiskStore) object(key string) *Object {
	return &Object{Key: key, PublicURL: s.baseURL + "/" + key}
}

// extensionFor picks a file extension from the source URL path, falling back
// to the response content type.
func extensionFor(sourceURL, contentType string) string {
	if ext := path.Ext(strings.SplitN(path.Base(sourceURL), "?", 2)[0]); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	}
	return ".bin"
}
