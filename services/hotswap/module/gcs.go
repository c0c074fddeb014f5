// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSScheme is the locator prefix served by GCSOpener.
const GCSScheme = "gs://"

// GCSConfig configures a GCSOpener.
type GCSConfig struct {
	// CacheDir receives downloaded modules. Required.
	CacheDir string

	// Endpoint overrides the storage endpoint (emulators). Optional.
	Endpoint string

	// Anonymous skips authentication, for public buckets.
	Anonymous bool
}

// GCSOpener fetches gs://bucket/object modules into a local cache and
// delegates the actual open to Inner.
//
// # Description
//
// Each object generation is cached under its own file name, so publishing
// a new object version never collides with a module that is still open.
// Missing buckets and objects are reported as ErrModuleNotFound.
//
// # Thread Safety
//
// Safe for concurrent use; downloads write to a temporary file and rename.
type GCSOpener struct {
	client   *storage.Client
	cacheDir string
	inner    Opener
}

// NewGCSOpener creates a storage client and wraps inner.
func NewGCSOpener(ctx context.Context, cfg GCSConfig, inner Opener) (*GCSOpener, error) {
	if cfg.CacheDir == "" {
		return nil, errors.New("gcs opener: cache dir is required")
	}
	if inner == nil {
		return nil, errors.New("gcs opener: inner opener is required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs opener: create client: %w", err)
	}
	return &GCSOpener{client: client, cacheDir: cfg.CacheDir, inner: inner}, nil
}

// Open implements Opener. Non-gs:// locators go straight to the inner opener.
func (o *GCSOpener) Open(ctx context.Context, locator string) (Library, error) {
	bucket, object, ok := ParseGCSLocator(locator)
	if !ok {
		if strings.HasPrefix(locator, GCSScheme) {
			return nil, fmt.Errorf("%w: malformed gcs locator %q", ErrModuleNotFound, locator)
		}
		return o.inner.Open(ctx, locator)
	}
	local, err := o.fetch(ctx, bucket, object)
	if err != nil {
		return nil, err
	}
	return o.inner.Open(ctx, local)
}

// Close releases the storage client.
func (o *GCSOpener) Close() error {
	return o.client.Close()
}

// fetch downloads the object unless that generation is already cached.
func (o *GCSOpener) fetch(ctx context.Context, bucket, object string) (string, error) {
	obj := o.client.Bucket(bucket).Object(object)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return "", fmt.Errorf("%w: gs://%s/%s", ErrModuleNotFound, bucket, object)
		}
		return "", fmt.Errorf("stat gs://%s/%s: %w", bucket, object, err)
	}

	dest := CachePath(o.cacheDir, bucket, object, attrs.Generation)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	rc, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("read gs://%s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download gs://%s/%s: %w", bucket, object, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("flush download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("install download: %w", err)
	}
	return dest, nil
}

// ParseGCSLocator splits gs://bucket/object. ok is false for anything else.
func ParseGCSLocator(locator string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(locator, GCSScheme)
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", false
	}
	return bucket, object, true
}

// CachePath is where generation gen of bucket/object is cached.
func CachePath(cacheDir, bucket, object string, gen int64) string {
	base := path.Base(object)
	return filepath.Join(cacheDir, bucket, fmt.Sprintf("%d-%s", gen, base))
}
