// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
)

// GCSConfig locates the snapshot object.
type GCSConfig struct {
	ProjectID string
	Bucket    string
	Object    string

	// KeyPath is a service account key file. Empty uses Application
	// Default Credentials.
	KeyPath string
}

// GCSStore keeps the snapshot as one object in a bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSStore creates the storage client.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	if cfg.Object == "" {
		return nil, errors.New("gcs object name is required")
	}

	var opts []option.ClientOption
	if cfg.KeyPath != "" {
		info, err := os.Stat(cfg.KeyPath)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.KeyPath)
		}
		if err == nil && info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", cfg.KeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.KeyPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// Location returns the gs:// URL of the snapshot object.
func (s *GCSStore) Location() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Load downloads and decodes the snapshot object.
func (s *GCSStore) Load(ctx context.Context) (datatypes.View, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return datatypes.View{}, ErrNoSnapshot
	}
	if err != nil {
		return datatypes.View{}, fmt.Errorf("%w: open %s: %v", datatypes.ErrPersistence, s.Location(), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return datatypes.View{}, fmt.Errorf("%w: read %s: %v", datatypes.ErrPersistence, s.Location(), err)
	}
	return Decode(data)
}

// Save uploads v, replacing the object.
func (s *GCSStore) Save(ctx context.Context, v datatypes.View) error {
	data, err := Encode(v, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", datatypes.ErrPersistence, err)
	}

	w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("%w: upload %s: %v", datatypes.ErrPersistence, s.Location(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: finalize %s: %v", datatypes.ErrPersistence, s.Location(), err)
	}
	return nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ SnapshotStore = (*GCSStore)(nil)
