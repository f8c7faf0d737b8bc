// Package storage provides the object store that volume accessors, reports
// and provenance files are read from and written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrTransient marks failures worth retrying (network, throttling,
	// server side errors, deadlines).
	ErrTransient = errors.New("transient storage error")
)

// Store abstracts reading and writing whole objects.
type Store interface {
	// Get reads the object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data to key. Object stores replace the object atomically;
	// the local backend writes a temp file and renames it.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string // path prefix within the bucket
}

// NewStore creates a storage backend based on configuration.
func NewStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(ctx, cfg.LocalDir)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// ParseURL converts a volume URL into a StorageConfig.
//
//	file:///data/vol       local directory
//	gs://bucket/path       Google Cloud Storage
//	s3://bucket/path?endpoint=https://minio:9000&region=us-east-1
//	mem://                 in-process memory (tests)
func ParseURL(raw string) (StorageConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return StorageConfig{}, fmt.Errorf("parse storage url %q: %w", raw, err)
	}
	prefix := strings.Trim(u.Path, "/")

	switch u.Scheme {
	case "file", "":
		dir := u.Path
		if u.Scheme == "" {
			dir = raw
		}
		if u.Host != "" && u.Host != "localhost" {
			// file://relative/dir
			dir = u.Host + u.Path
		}
		return StorageConfig{Backend: "local", LocalDir: dir}, nil
	case "gs":
		return StorageConfig{Backend: "gcs", GCSBucket: u.Host, Prefix: prefix}, nil
	case "s3":
		q := u.Query()
		return StorageConfig{
			Backend:    "s3",
			S3Bucket:   u.Host,
			S3Endpoint: q.Get("endpoint"),
			S3Region:   q.Get("region"),
			Prefix:     prefix,
		}, nil
	case "mem":
		return StorageConfig{Backend: "mem"}, nil
	default:
		return StorageConfig{}, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// Open parses raw with ParseURL and opens the store.
func Open(ctx context.Context, raw string) (Store, error) {
	cfg, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return NewStore(ctx, cfg)
}
