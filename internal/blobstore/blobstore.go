// Package blobstore is the remote durability backend: get/put one named blob of raw bytes.
//
// Drivers:
//   - "s3": any S3-compatible object store (AWS, MinIO, R2, ...)
//   - "memory": process-local map, for development and tests
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid configuration")
	ErrNotFound      = errors.New("blobstore: blob not found")
	ErrAccessDenied  = errors.New("blobstore: access denied")
	ErrGetFailed     = errors.New("blobstore: get failed")
	ErrPutFailed     = errors.New("blobstore: put failed")
)

// Store reads and writes whole blobs by key inside one fixed bucket.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Config selects and configures a driver.
type Config struct {
	Driver string // "s3" | "memory"

	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint  string
	PathStyle bool

	// Timeout bounds every Get/Put call. 0 means DefaultTimeout.
	Timeout time.Duration
}

const DefaultTimeout = 15 * time.Second

// Open builds the configured store.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "s3":
		return NewS3(cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// withTimeout wraps ctx with d unless ctx already ends sooner.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
