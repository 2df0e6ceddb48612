package storage

// The Azure backend publishes objects as Block Blobs in a single container.
//
// Key mapping:
//
//	Objects:  {prefix}{key}
//
// Staging maps directly onto Azure primitives:
//
//	StageBlock()      → StageBlock() on the final blob (no temp objects)
//	CommitBlockList() → CommitBlockList(), atomic on the Azure side
//
// Uncommitted blocks that are never committed expire after 7 days.

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// StageBlock stages a block on a blob for later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
	// UploadStream uploads a blob from a stream. Without overwrite the
	// upload is conditional on the blob not existing.
	UploadStream(ctx context.Context, containerName, blobName string, r io.Reader, overwrite bool) error
	// DownloadStream opens a blob for reading and returns its size.
	DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
}

// AzureBackend implements StorageBackend on Azure Blob Storage.
type AzureBackend struct {
	// Container is the Azure Blob container name.
	Container string
	// AccountURL is the Azure storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is prepended to every blob name.
	Prefix string
	client AzureBlobAPI
}

// AzureOptions selects the credential used by NewAzureBackend. The first
// non-empty of ConnectionString, SASToken, UseManagedIdentity wins; with
// none set DefaultAzureCredential is used.
type AzureOptions struct {
	ConnectionString   string
	SASToken           string
	UseManagedIdentity bool
}

// NewAzureBackend creates an AzureBackend and verifies that the container
// is reachable.
func NewAzureBackend(ctx context.Context, container, accountURL, prefix string, opts AzureOptions) (*AzureBackend, error) {
	client, err := newRealAzureClient(accountURL, opts)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureBackendWithClient(container, accountURL, prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", container, err)
	}

	slog.Info("Azure storage backend initialized", "container", container, "account", accountURL, "prefix", prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

func (b *AzureBackend) blobName(key string) string {
	return b.Prefix + key
}

// azureBlockID maps a client block id to an Azure block id. Azure requires
// base64 ids of equal length within a blob and at most 64 bytes before
// encoding, so the client id is hashed first.
func azureBlockID(blockID string) string {
	sum := sha256.Sum256([]byte(blockID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// StageBlock stages the payload as an uncommitted block on the target blob.
func (b *AzureBackend) StageBlock(ctx context.Context, key, blockID string, data io.Reader, size int64) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("reading block data: %w", err)
	}
	if err := b.client.StageBlock(ctx, b.Container, b.blobName(key), azureBlockID(blockID), payload); err != nil {
		return fmt.Errorf("staging block in Azure Blob: %w", err)
	}
	return nil
}

// CommitBlockList commits the listed blocks in order. Azure rejects the
// whole list with InvalidBlockList if any id is unknown, leaving the
// previously committed blob in place.
func (b *AzureBackend) CommitBlockList(ctx context.Context, key string, blockIDs []string) error {
	ids := make([]string, len(blockIDs))
	for i, id := range blockIDs {
		ids[i] = azureBlockID(id)
	}

	if err := b.client.CommitBlockList(ctx, b.Container, b.blobName(key), ids); err != nil {
		if isAzureInvalidBlockList(err) {
			return fmt.Errorf("committing %q: %w: %v", key, ErrBlockNotFound, err)
		}
		return fmt.Errorf("committing block list in Azure Blob: %w", err)
	}
	return nil
}

// UploadObject streams r to the blob.
func (b *AzureBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	if err := b.client.UploadStream(ctx, b.Container, b.blobName(key), r, overwrite); err != nil {
		if !overwrite && isAzureAlreadyExists(err) {
			return fmt.Errorf("uploading %q: %w", key, ErrObjectExists)
		}
		return fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return nil
}

// GetObject opens the blob for streaming.
func (b *AzureBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	body, size, err := b.client.DownloadStream(ctx, b.Container, b.blobName(key))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("getting %q: %w", key, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return body, size, nil
}

// DeleteObject removes the blob. Idempotent: catches not-found silently.
func (b *AzureBackend) DeleteObject(ctx context.Context, key string) error {
	err := b.client.DeleteBlob(ctx, b.Container, b.blobName(key))
	if err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

// HealthCheck verifies that the container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.BlobExists(ctx, b.Container, b.Prefix+".healthcheck")
	return err
}

func isAzureInvalidBlockList(err error) bool {
	if bloberror.HasCode(err, bloberror.InvalidBlockList, bloberror.InvalidBlockID) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "InvalidBlockList") || strings.Contains(msg, "InvalidBlockId")
}

func isAzureAlreadyExists(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return true
	}
	return strings.Contains(err.Error(), "BlobAlreadyExists")
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}

// Ensure AzureBackend implements StorageBackend at compile time.
var _ StorageBackend = (*AzureBackend)(nil)
