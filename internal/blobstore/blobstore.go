// Package blobstore abstracts photo and artifact storage. The pipeline
// fetches source photos and writes visualization overlays through it, so
// the coordinator never touches the filesystem directly.
package blobstore

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoding for FetchImage
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkarvonen/plantcount-go/internal/errors"
)

// Store reads and writes content-addressed blobs by reference. A
// reference is a slash-separated relative path such as
// "photos/2026-08-30/abc.jpg".
type Store interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	Put(ctx context.Context, ref string, r io.Reader) error
	Exists(ctx context.Context, ref string) (bool, error)
}

// FileStore is a filesystem-backed Store rooted at a single directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed and returns a store.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.Newf("blob store root is empty").
			Component("blobstore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.New(err).
			Component("blobstore").
			Category(errors.CategoryBlobStore).
			Context("root", root).
			Build()
	}
	return &FileStore{root: root}, nil
}

// resolve maps a reference to an absolute path, rejecting traversal
// outside the root.
func (s *FileStore) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.Newf("invalid blob reference %q", ref).
			Component("blobstore").
			Category(errors.CategoryValidation).
			Build()
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileStore) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		category := errors.CategoryBlobStore
		if os.IsNotExist(err) {
			category = errors.CategoryNotFound
		}
		return nil, errors.New(err).
			Component("blobstore").
			Category(category).
			Context("ref", ref).
			Build()
	}
	return f, nil
}

func (s *FileStore) Put(ctx context.Context, ref string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(err).
			Component("blobstore").
			Category(errors.CategoryBlobStore).
			Context("ref", ref).
			Build()
	}

	// Write through a temp file so readers never observe partial blobs
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return errors.New(err).
			Component("blobstore").
			Category(errors.CategoryBlobStore).
			Build()
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.New(err).
			Component("blobstore").
			Category(errors.CategoryBlobStore).
			Context("ref", ref).
			Build()
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// FetchImage fetches a blob and decodes it as an image.
func FetchImage(ctx context.Context, store Store, ref string) (image.Image, error) {
	rc, err := store.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, errors.New(err).
			Component("blobstore").
			Category(errors.CategoryImageDecode).
			Context("ref", ref).
			Build()
	}
	return img, nil
}

// PutJPEG encodes an image as JPEG and stores it under ref.
func PutJPEG(ctx context.Context, store Store, ref string, img image.Image, quality int) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return errors.New(err).
			Component("blobstore").
			Category(errors.CategoryImageDecode).
			Context("ref", ref).
			Build()
	}
	return store.Put(ctx, ref, &buf)
}
