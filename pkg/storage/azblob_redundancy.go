// azblob_redundancy is the production RedundancyTarget: it mirrors
// shards into an Azure Blob Storage container so that a node can rebuild
// its local shards from a remote copy after local data loss. Stack.Put
// calls Redundancy.Put for every shard it writes when
// ShardingOptions.Redundancy is non-nil; Stack.Get falls back to
// Redundancy.Get for any shard missing locally. Tests exercise the
// RedundancyTarget interface against fakeRedundancyTarget
// (stack_test.go), since a live Azure Blob Storage account isn't
// available in the test environment.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureBlobRedundancy mirrors shard bytes to a single blob container.
type AzureBlobRedundancy struct {
	containerURL azblob.ContainerURL
}

// NewAzureBlobRedundancy builds a RedundancyTarget against an existing
// container. accountName/accountKey authenticate with shared-key auth;
// containerName must already exist.
func NewAzureBlobRedundancy(accountName, accountKey, containerName string) (*AzureBlobRedundancy, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("azblob credential: %w", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	u, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/%s", accountName, containerName))
	if err != nil {
		return nil, fmt.Errorf("azblob container url: %w", err)
	}

	return &AzureBlobRedundancy{containerURL: azblob.NewContainerURL(*u, pipeline)}, nil
}

func (a *AzureBlobRedundancy) Put(ctx context.Context, key string, data []byte) error {
	blobURL := a.containerURL.NewBlockBlobURL(key)
	_, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{})
	if err != nil {
		return fmt.Errorf("azblob upload %s: %w", key, err)
	}
	return nil
}

func (a *AzureBlobRedundancy) Get(ctx context.Context, key string) ([]byte, error) {
	blobURL := a.containerURL.NewBlockBlobURL(key)
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, fmt.Errorf("azblob download %s: %w", key, err)
	}
	body := resp.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, fmt.Errorf("azblob read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
