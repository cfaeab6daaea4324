package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/breeze-rmm/meetbot/internal/config"
)

type AzureProvider struct {
	container string
	client    *azblob.Client
}

func NewAzureProvider(cfg config.AzureConfig) (*AzureProvider, error) {
	if cfg.ConnectionString == "" || cfg.Container == "" {
		return nil, errors.New("azure connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azblob: new client: %w", err)
	}
	return &AzureProvider{container: cfg.Container, client: client}, nil
}

func (a *AzureProvider) Name() string { return "azblob" }

func (a *AzureProvider) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, key, data, opts); err != nil {
		return "", fmt.Errorf("azblob upload %s: %w", key, err)
	}
	return strings.TrimSuffix(a.client.URL(), "/") + "/" + a.container + "/" + key, nil
}

func (a *AzureProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	results := []Object{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azblob list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			obj := Object{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					obj.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					obj.Modified = *item.Properties.LastModified
				}
			}
			results = append(results, obj)
		}
	}
	return results, nil
}

func (a *AzureProvider) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azblob delete %s: %w", key, err)
	}
	return nil
}
