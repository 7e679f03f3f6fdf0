// Package minio implements a blob backend on MinIO or another
// S3-compatible server using minio-go.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/piwi3910/dlpgate/internal/storage/backend"
)

// Config holds MinIO backend configuration.
type Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	CreateBucket bool   `mapstructure:"create_bucket"`
}

// Backend stores blobs in a MinIO bucket.
type Backend struct {
	client *minio.Client
	config Config
}

// New creates a MinIO backend. No network traffic happens until Init.
func New(cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Backend{client: client, config: cfg}, nil
}

// Name identifies the backend.
func (b *Backend) Name() string {
	return "minio"
}

// Init verifies the bucket, creating it when configured to.
func (b *Backend) Init(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.config.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", b.config.Bucket, err)
	}

	if exists {
		return nil
	}

	if !b.config.CreateBucket {
		return fmt.Errorf("bucket %s does not exist", b.config.Bucket)
	}

	err = b.client.MakeBucket(ctx, b.config.Bucket, minio.MakeBucketOptions{Region: b.config.Region})
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", b.config.Bucket, err)
	}

	return nil
}

// Close closes the storage backend.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) objectKey(key string) (string, error) {
	if err := backend.ValidateKey(key); err != nil {
		return "", err
	}

	if b.config.Prefix == "" {
		return key, nil
	}

	return path.Join(b.config.Prefix, key), nil
}

// PutObject uploads a blob.
func (b *Backend) PutObject(ctx context.Context, key string, reader io.Reader, size int64) (*backend.PutResult, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}

	info, err := b.client.PutObject(ctx, b.config.Bucket, objectKey, reader, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object: %w", err)
	}

	return &backend.PutResult{ETag: info.ETag, Size: info.Size}, nil
}

// GetObject downloads a blob. The object is stat'ed first so a missing key
// surfaces here instead of on the first Read.
func (b *Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}

	obj, err := b.client.GetObject(ctx, b.config.Bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()

		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrObjectNotFound, key)
		}

		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return obj, nil
}

// DeleteObject deletes a blob.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return err
	}

	err = b.client.RemoveObject(ctx, b.config.Bucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// ObjectExists checks if a blob exists.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return false, err
	}

	_, err = b.client.StatObject(ctx, b.config.Bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// Ensure Backend implements backend.Backend
var _ backend.Backend = (*Backend)(nil)
