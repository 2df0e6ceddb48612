package storage

// The GCP backend publishes objects to one Cloud Storage bucket.
//
// Key mapping:
//
//	Objects:  {prefix}{key}
//	Blocks:   {prefix}.blocks/{sha256(key)}/{sha256(block_id)}
//	Manifest: {prefix}.blocks/{sha256(key)}/committed.json
//
// Block objects outlive the commit that composes them. The manifest
// records the generation of each block the last commit used; the next
// commit deletes the ones it drops with a generation precondition, so a
// block restaged in between survives.
//
// Commit composes the block objects into the final name. Compose accepts at
// most 32 sources, so longer lists are composed in generations of
// intermediates first; only the last compose touches the final name.
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server) unless a
// credentials file is configured.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// maxComposeSources is the GCS limit on the number of source objects per
// Compose call.
const maxComposeSources = 32

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given object. With ifNotExist the
	// write fails if the object already exists.
	NewWriter(ctx context.Context, bucket, object string, ifNotExist bool) io.WriteCloser
	// NewReader returns a reader for the given object and its size.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the size and generation of the given object.
	Attrs(ctx context.Context, bucket, object string) (size, generation int64, err error)
	// DeleteGeneration deletes the object only if its generation matches.
	DeleteGeneration(ctx context.Context, bucket, object string, generation int64) error
	// Compose composes source objects, in order, into dstObject.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) error
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, ifNotExist bool) io.WriteCloser {
	obj := c.client.Bucket(bucket).Object(object)
	if ifNotExist {
		obj = obj.If(gcs.Conditions{DoesNotExist: true})
	}
	return obj.NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (int64, int64, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, 0, err
	}
	return attrs.Size, attrs.Generation, nil
}

func (c *realGCSClient) DeleteGeneration(ctx context.Context, bucket, object string, generation int64) error {
	return c.client.Bucket(bucket).Object(object).If(gcs.Conditions{GenerationMatch: generation}).Delete(ctx)
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) error {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, 0, len(srcObjects))
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	_, err := dst.ComposerFrom(srcs...).Run(ctx)
	return err
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPBackend implements StorageBackend on Google Cloud Storage.
type GCPBackend struct {
	// Bucket is the GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is prepended to every object name.
	Prefix string
	client GCSAPI
}

// NewGCPBackend creates a GCPBackend and verifies the bucket is reachable.
// credentialsFile may be empty to use Application Default Credentials.
func NewGCPBackend(ctx context.Context, bucket, project, prefix, credentialsFile string) (*GCPBackend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(bucket, project, prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCP storage backend initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPBackendWithClient creates a GCPBackend with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCPBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

func (b *GCPBackend) gcsKey(key string) string {
	return b.Prefix + key
}

func (b *GCPBackend) blockPrefix(key string) string {
	return b.Prefix + ".blocks/" + digest(key) + "/"
}

func (b *GCPBackend) blockKey(key, blockID string) string {
	return b.blockPrefix(key) + digest(blockID)
}

func (b *GCPBackend) manifestKey(key string) string {
	return b.blockPrefix(key) + manifestName
}

func (b *GCPBackend) write(ctx context.Context, name string, r io.Reader, ifNotExist bool) error {
	// Cancel the writer context on failure so a partial upload is discarded
	// instead of finalized by Close.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.client.NewWriter(wctx, b.Bucket, name, ifNotExist)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return err
	}
	return w.Close()
}

// StageBlock writes the block as a temporary object.
func (b *GCPBackend) StageBlock(ctx context.Context, key, blockID string, data io.Reader, size int64) error {
	if err := b.write(ctx, b.blockKey(key, blockID), data, false); err != nil {
		return fmt.Errorf("staging block in GCS: %w", err)
	}
	return nil
}

// CommitBlockList composes the blocks into the final object.
func (b *GCPBackend) CommitBlockList(ctx context.Context, key string, blockIDs []string) error {
	sources := make([]string, len(blockIDs))
	next := make(commitManifest, len(blockIDs))
	for i, id := range blockIDs {
		sources[i] = b.blockKey(key, id)
		_, gen, err := b.client.Attrs(ctx, b.Bucket, sources[i])
		if err != nil {
			if isGCSNotFound(err) {
				return fmt.Errorf("committing %q: block %q: %w", key, id, ErrBlockNotFound)
			}
			return fmt.Errorf("checking block %q in GCS: %w", id, err)
		}
		next[id] = strconv.FormatInt(gen, 10)
	}

	intermediates, err := b.chainCompose(ctx, key, sources, b.gcsKey(key))
	b.deleteAll(ctx, intermediates)
	if err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("committing %q: %w: %v", key, ErrBlockNotFound, err)
		}
		return err
	}

	b.recordCommit(ctx, key, next)
	return nil
}

// recordCommit replaces the key's manifest with next and deletes the
// superseded blocks whose generation is unchanged. A nil next drops the
// manifest. Failures only leave garbage behind and are logged.
func (b *GCPBackend) recordCommit(ctx context.Context, key string, next commitManifest) {
	prev, err := b.readManifest(ctx, key)
	if err != nil {
		slog.Warn("Failed to read committed block manifest", "key", key, "error", err)
		prev = commitManifest{}
	}

	if next == nil {
		err = b.client.Delete(ctx, b.Bucket, b.manifestKey(key))
		if isGCSNotFound(err) {
			err = nil
		}
	} else {
		err = b.write(ctx, b.manifestKey(key), bytes.NewReader(next.encode()), false)
	}
	if err != nil {
		slog.Warn("Failed to update committed block manifest", "key", key, "error", err)
		return
	}

	for _, id := range prev.superseded(next) {
		gen, err := strconv.ParseInt(prev[id], 10, 64)
		if err != nil {
			continue
		}
		err = b.client.DeleteGeneration(ctx, b.Bucket, b.blockKey(key, id), gen)
		if err != nil && !isGCSNotFound(err) && !isGCSPreconditionFailed(err) {
			slog.Warn("Failed to delete superseded block", "key", key, "error", err)
		}
	}
}

func (b *GCPBackend) readManifest(ctx context.Context, key string) (commitManifest, error) {
	r, _, err := b.client.NewReader(ctx, b.Bucket, b.manifestKey(key))
	if err != nil {
		if isGCSNotFound(err) {
			return commitManifest{}, nil
		}
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// chainCompose chains GCS compose calls for >32 sources. It returns the
// intermediate object names that should be cleaned up.
func (b *GCPBackend) chainCompose(ctx context.Context, key string, sourceNames []string, finalName string) ([]string, error) {
	var allIntermediates []string
	currentSources := sourceNames

	generation := 0
	for len(currentSources) > maxComposeSources {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := min(i+maxComposeSources, len(currentSources))
			batch := currentSources[i:end]
			if len(batch) == 1 {
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%scompose-%d-%d", b.blockPrefix(key), generation, i)
			if err := b.client.Compose(ctx, b.Bucket, intermediateName, batch); err != nil {
				return allIntermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
			allIntermediates = append(allIntermediates, intermediateName)
		}
		currentSources = nextSources
		generation++
	}

	if err := b.client.Compose(ctx, b.Bucket, finalName, currentSources); err != nil {
		return allIntermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return allIntermediates, nil
}

func (b *GCPBackend) deleteAll(ctx context.Context, names []string) {
	for _, name := range names {
		if err := b.client.Delete(ctx, b.Bucket, name); err != nil && !isGCSNotFound(err) {
			slog.Warn("Failed to delete temporary GCS object", "object", name, "error", err)
		}
	}
}

// UploadObject streams r to the object.
func (b *GCPBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	if err := b.write(ctx, b.gcsKey(key), r, !overwrite); err != nil {
		if !overwrite && isGCSPreconditionFailed(err) {
			return fmt.Errorf("uploading %q: %w", key, ErrObjectExists)
		}
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	return nil
}

// GetObject opens the object for streaming.
func (b *GCPBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, size, err := b.client.NewReader(ctx, b.Bucket, b.gcsKey(key))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("getting %q: %w", key, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("getting object from GCS: %w", err)
	}
	return r, size, nil
}

// DeleteObject removes the object and the blocks it was committed from.
// Idempotent.
func (b *GCPBackend) DeleteObject(ctx context.Context, key string) error {
	if err := b.client.Delete(ctx, b.Bucket, b.gcsKey(key)); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	b.recordCommit(ctx, key, nil)
	return nil
}

// HealthCheck verifies that the bucket is accessible.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, b.Prefix+".healthcheck")
	return err
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

func isGCSPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusPreconditionFailed
	}
	return false
}

// Ensure GCPBackend implements StorageBackend at compile time.
var _ StorageBackend = (*GCPBackend)(nil)
