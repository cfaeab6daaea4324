// Package storage persists recordings and transcripts to a local directory
// or an object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("storage")

var (
	ErrInvalidKey      = errors.New("storage: invalid object key")
	ErrUnknownProvider = errors.New("storage: unknown provider")
)

// Object is one stored entry.
type Object struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Provider stores opaque blobs under slash-separated keys. Put returns a
// location string suitable for logs and run results.
type Provider interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// New builds the provider selected by cfg.Provider.
func New(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		p = NewLocalProvider(cfg.Local.Path)
	case "s3":
		p, err = NewS3Provider(ctx, cfg.S3)
	case "gcs":
		p, err = NewGCSProvider(ctx, cfg.GCS)
	case "azblob":
		p, err = NewAzureProvider(cfg.Azure)
	case "b2":
		p, err = NewB2Provider(ctx, cfg.B2)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	log.Debug("storage provider ready", "provider", p.Name())
	return p, nil
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return nil
}
