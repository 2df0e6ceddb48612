package storage

// The AWS backend publishes objects to one S3 bucket via the AWS SDK for Go v2.
//
// Key mapping:
//
//	Objects:  {prefix}{key}
//	Blocks:   {prefix}.blocks/{sha256(key)}/{sha256(block_id)}
//	Manifest: {prefix}.blocks/{sha256(key)}/committed.json
//
// S3 has no uncommitted-block primitive, so staged blocks are ordinary
// objects. They outlive the commit that reads them; the manifest records
// which copies the last commit used so the next commit can remove the
// ones it drops. Commit picks a strategy from the block sizes:
//
//	one block                  → CopyObject
//	every non-last block ≥5MiB → multipart upload with UploadPartCopy
//	otherwise                  → download, concatenate, single PutObject
//
// Each strategy publishes the final key in one S3 operation, so a failed
// commit leaves the previous object in place.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// minMultipartPartSize is the S3 lower bound for every part but the last.
const minMultipartPartSize = 5 << 20

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// AWSBackend implements StorageBackend on Amazon S3 (or any S3-compatible
// endpoint).
type AWSBackend struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region of the bucket.
	Region string
	// Prefix is prepended to every object key.
	Prefix   string
	client   S3API
	uploader *manager.Uploader
}

// AWSOptions carries optional endpoint and credential overrides.
type AWSOptions struct {
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewAWSBackend creates an AWSBackend using the default credential chain,
// with optional overrides for custom endpoint, path-style addressing, and
// static credentials. It verifies the bucket is reachable.
func NewAWSBackend(ctx context.Context, bucket, region, prefix string, opts AWSOptions) (*AWSBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewAWSBackendWithClient(bucket, region, prefix, s3.NewFromConfig(cfg, s3Opts...))
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", bucket, err)
	}

	slog.Info("AWS storage backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return b, nil
}

// NewAWSBackendWithClient creates an AWSBackend with a pre-configured S3
// client. This is primarily used for testing with mock clients.
func NewAWSBackendWithClient(bucket, region, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{
		Bucket:   bucket,
		Region:   region,
		Prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (b *AWSBackend) s3Key(key string) string {
	return b.Prefix + key
}

func (b *AWSBackend) blockPrefix(key string) string {
	return b.Prefix + ".blocks/" + digest(key) + "/"
}

func (b *AWSBackend) blockKey(key, blockID string) string {
	return b.blockPrefix(key) + digest(blockID)
}

func (b *AWSBackend) manifestKey(key string) string {
	return b.blockPrefix(key) + manifestName
}

// s3BlockVersion identifies one staged copy of a block object.
func s3BlockVersion(head *s3.HeadObjectOutput) string {
	return aws.ToString(head.ETag) + "@" + strconv.FormatInt(aws.ToTime(head.LastModified).Unix(), 10)
}

// StageBlock stores the block as a temporary object.
func (b *AWSBackend) StageBlock(ctx context.Context, key, blockID string, data io.Reader, size int64) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("reading block data: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.blockKey(key, blockID)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		return fmt.Errorf("staging block in S3: %w", err)
	}
	return nil
}

// CommitBlockList assembles the staged blocks into the final object.
func (b *AWSBackend) CommitBlockList(ctx context.Context, key string, blockIDs []string) error {
	sizes := make([]int64, len(blockIDs))
	next := make(commitManifest, len(blockIDs))
	for i, id := range blockIDs {
		head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.Bucket),
			Key:    aws.String(b.blockKey(key, id)),
		})
		if err != nil {
			if isAWSNotFound(err) {
				return fmt.Errorf("committing %q: block %q: %w", key, id, ErrBlockNotFound)
			}
			return fmt.Errorf("checking block %q in S3: %w", id, err)
		}
		sizes[i] = aws.ToInt64(head.ContentLength)
		next[id] = s3BlockVersion(head)
	}

	var err error
	switch {
	case len(blockIDs) == 1:
		err = b.commitSingle(ctx, key, blockIDs[0])
	case canMultipartCopy(sizes):
		err = b.commitMultipart(ctx, key, blockIDs)
	default:
		err = b.commitConcat(ctx, key, blockIDs, sizes)
	}
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("committing %q: %w: %v", key, ErrBlockNotFound, err)
		}
		return err
	}

	b.recordCommit(ctx, key, next)
	return nil
}

func canMultipartCopy(sizes []int64) bool {
	for _, s := range sizes[:len(sizes)-1] {
		if s < minMultipartPartSize {
			return false
		}
	}
	return true
}

func (b *AWSBackend) copySource(key, blockID string) string {
	return b.Bucket + "/" + b.blockKey(key, blockID)
}

func (b *AWSBackend) commitSingle(ctx context.Context, key, blockID string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.Bucket),
		Key:        aws.String(b.s3Key(key)),
		CopySource: aws.String(b.copySource(key, blockID)),
	})
	if err != nil {
		return fmt.Errorf("copying block to final object: %w", err)
	}
	return nil
}

// commitMultipart uses native multipart upload with server-side copies.
// Nothing is visible at the final key until CompleteMultipartUpload.
func (b *AWSBackend) commitMultipart(ctx context.Context, key string, blockIDs []string) error {
	finalKey := b.s3Key(key)
	createResp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("creating S3 multipart upload: %w", err)
	}
	awsUploadID := aws.ToString(createResp.UploadId)

	abortOnError := func() {
		_, abortErr := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.Bucket),
			Key:      aws.String(finalKey),
			UploadId: aws.String(awsUploadID),
		})
		if abortErr != nil {
			slog.Warn("Failed to abort S3 multipart upload", "upload_id", awsUploadID, "error", abortErr)
		}
	}

	completed := make([]types.CompletedPart, 0, len(blockIDs))
	for idx, id := range blockIDs {
		partNumber := int32(idx + 1)
		copyResp, err := b.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(b.Bucket),
			Key:        aws.String(finalKey),
			UploadId:   aws.String(awsUploadID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(b.copySource(key, id)),
		})
		if err != nil {
			abortOnError()
			return fmt.Errorf("copying block %q: %w", id, err)
		}
		var etag *string
		if copyResp.CopyPartResult != nil {
			etag = copyResp.CopyPartResult.ETag
		}
		completed = append(completed, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNumber)})
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.Bucket),
		Key:             aws.String(finalKey),
		UploadId:        aws.String(awsUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abortOnError()
		return fmt.Errorf("completing S3 multipart upload: %w", err)
	}
	return nil
}

// commitConcat downloads all blocks and publishes them with one PutObject.
// Used when blocks are below the multipart part minimum.
func (b *AWSBackend) commitConcat(ctx context.Context, key string, blockIDs []string, sizes []int64) error {
	var total int64
	for _, s := range sizes {
		total += s
	}
	buf := bytes.NewBuffer(make([]byte, 0, total))

	for _, id := range blockIDs {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.Bucket),
			Key:    aws.String(b.blockKey(key, id)),
		})
		if err != nil {
			return fmt.Errorf("downloading block %q: %w", id, err)
		}
		_, err = io.Copy(buf, resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading block %q: %w", id, err)
		}
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.s3Key(key)),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("uploading assembled object to S3: %w", err)
	}
	return nil
}

// recordCommit replaces the key's manifest with next and deletes the
// blocks it supersedes that were not restaged since. A nil next drops the
// manifest. Failures only leave garbage behind and are logged.
func (b *AWSBackend) recordCommit(ctx context.Context, key string, next commitManifest) {
	prev, err := b.readManifest(ctx, key)
	if err != nil {
		slog.Warn("Failed to read committed block manifest", "key", key, "error", err)
		prev = commitManifest{}
	}

	if next == nil {
		_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.Bucket),
			Key:    aws.String(b.manifestKey(key)),
		})
	} else {
		data := next.encode()
		_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.Bucket),
			Key:           aws.String(b.manifestKey(key)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
	}
	if err != nil {
		slog.Warn("Failed to update committed block manifest", "key", key, "error", err)
		return
	}

	var stale []string
	for _, id := range prev.superseded(next) {
		head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.Bucket),
			Key:    aws.String(b.blockKey(key, id)),
		})
		if err != nil || s3BlockVersion(head) != prev[id] {
			continue
		}
		stale = append(stale, b.blockKey(key, id))
	}
	b.deleteBlocks(ctx, key, stale)
}

func (b *AWSBackend) readManifest(ctx context.Context, key string) (commitManifest, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.manifestKey(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return commitManifest{}, nil
		}
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// deleteBlocks removes the given block objects. Failures only leave
// garbage behind and are logged.
func (b *AWSBackend) deleteBlocks(ctx context.Context, key string, blockKeys []string) {
	objects := make([]types.ObjectIdentifier, 0, len(blockKeys))
	for _, k := range blockKeys {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
	}

	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(objects); start += 1000 {
		end := min(start+1000, len(objects))
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{Objects: objects[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			slog.Warn("Failed to delete superseded blocks", "key", key, "error", err)
			return
		}
	}
}

// UploadObject streams r to S3 with the transfer manager, which switches to
// multipart upload for large bodies.
func (b *AWSBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
		Body:   r,
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := b.uploader.Upload(ctx, input); err != nil {
		if !overwrite && isAWSPreconditionFailed(err) {
			return fmt.Errorf("uploading %q: %w", key, ErrObjectExists)
		}
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// GetObject opens the object for streaming.
func (b *AWSBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("getting %q: %w", key, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

// DeleteObject removes the object and the blocks it was committed from.
// S3 DeleteObject does not error on missing keys.
func (b *AWSBackend) DeleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(key)),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	b.recordCommit(ctx, key, nil)
	return nil
}

// HealthCheck verifies that the bucket is accessible.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

func isAWSPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

// Ensure AWSBackend implements StorageBackend at compile time.
var _ StorageBackend = (*AWSBackend)(nil)
