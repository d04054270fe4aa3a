// Package azure stores batch uploads in an Azure Blob Storage container.
package azure

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/storage"
)

// Client implements storage.Client on a blob container.
//
// Thread-safe: All operations are safe for concurrent use.
type Client struct {
	container *container.Client
	prefix    string
}

// New creates an Azure client. A container URL carrying a SAS token takes
// precedence over a connection string. The shared HTTP client is used as the
// pipeline transport and SDK retries are disabled.
func New(cfg config.AzureConfig, prefix string, httpClient *nethttp.Client) (*Client, error) {
	opts := &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1}, // one try
		},
	}
	if httpClient != nil {
		opts.Transport = httpClient
	}

	var (
		cc  *container.Client
		err error
	)
	switch {
	case cfg.ContainerURL != "":
		cc, err = container.NewClientWithNoCredential(cfg.ContainerURL, opts)
	case cfg.ConnectionString != "" && cfg.Container != "":
		cc, err = container.NewClientFromConnectionString(cfg.ConnectionString, cfg.Container, opts)
	default:
		return nil, config.ErrMissingAzureTarget
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return &Client{container: cc, prefix: prefix}, nil
}

// Kind implements storage.Client.
func (c *Client) Kind() string { return storage.KindAzure }

// URL returns the container URL.
func (c *Client) URL() string { return c.container.URL() }

func (c *Client) blobName(key string) string {
	if c.prefix == "" {
		return key
	}
	return strings.TrimSuffix(c.prefix, "/") + "/" + key
}

// Exists fetches the blob's properties.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.container.NewBlockBlobClient(c.blobName(key)).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, &storage.ProbeError{Key: key, Err: err}
}

// Write stores obj with a single Put Blob request.
func (c *Client) Write(ctx context.Context, obj storage.Object, progress storage.ProgressFunc) (*storage.WriteResult, error) {
	if err := storage.Rewind(obj); err != nil {
		return nil, &storage.WriteError{Key: obj.Key, Err: err}
	}

	body := storage.NewProgressReader(obj.Body, obj.Size, progress)
	body.Start()

	opts := &blockblob.UploadOptions{
		Metadata: make(map[string]*string, len(obj.Metadata)),
	}
	for k, v := range obj.Metadata {
		value := storage.HeaderSafe(v)
		opts.Metadata[k] = &value
	}
	if obj.ContentType != "" {
		ct := obj.ContentType
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &ct}
	}

	resp, err := c.container.NewBlockBlobClient(c.blobName(obj.Key)).Upload(ctx, streaming.NopCloser(body), opts)
	if err != nil {
		return nil, &storage.WriteError{Key: obj.Key, Err: err}
	}

	res := &storage.WriteResult{
		Key:      obj.Key,
		Size:     obj.Size,
		StoredAt: time.Now().UTC(),
	}
	if resp.ETag != nil {
		res.ETag = strings.Trim(string(*resp.ETag), `"`)
	}
	if resp.VersionID != nil {
		res.VersionID = *resp.VersionID
	}
	return res, nil
}

// isNotFound reports a definitive missing-blob answer. A missing container is
// a configuration error, not a new name.
func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false
	}

	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == nethttp.StatusNotFound
}
