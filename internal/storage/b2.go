package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/meetbot/internal/config"
)

type B2Provider struct {
	bucket *b2.Bucket
}

func NewB2Provider(ctx context.Context, cfg config.B2Config) (*B2Provider, error) {
	if cfg.AccountID == "" || cfg.ApplicationKey == "" || cfg.Bucket == "" {
		return nil, errors.New("b2 account id, application key and bucket are required")
	}
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("b2: new client: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("b2: open bucket %s: %w", cfg.Bucket, err)
	}
	return &B2Provider{bucket: bucket}, nil
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	obj := p.bucket.Object(key)
	w := obj.NewWriter(ctx, b2.WithAttrsOption(&b2.Attrs{ContentType: contentType}))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("b2 upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("b2 finalize %s: %w", key, err)
	}
	return obj.URL(), nil
}

func (p *B2Provider) List(ctx context.Context, prefix string) ([]Object, error) {
	iter := p.bucket.List(ctx, b2.ListPrefix(prefix))
	results := []Object{}
	for iter.Next() {
		obj := iter.Object()
		entry := Object{Key: obj.Name()}
		if attrs, err := obj.Attrs(ctx); err == nil {
			entry.Size = attrs.Size
			entry.Modified = attrs.UploadTimestamp
		}
		results = append(results, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("b2 list %s: %w", prefix, err)
	}
	return results, nil
}

func (p *B2Provider) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := p.bucket.Object(key).Delete(ctx); err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("b2 delete %s: %w", key, err)
	}
	return nil
}
