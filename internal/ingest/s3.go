package ingest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// BlobStore downloads evidence blobs from the S3 bucket the DLP platform
// uploads into. Objects are keyed by content hash; alongside the original
// file the platform stores .html and .json preview renderings, which are
// skipped in favor of the original.
type BlobStore struct {
	bucket     string
	maxBytes   int64
	client     *s3.S3
	downloader *s3manager.Downloader
}

// BlobStoreOptions configures the evidence bucket connection.
type BlobStoreOptions struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	MaxSizeMB int
}

// NewBlobStore connects to the evidence bucket. Static credentials are used
// when provided; otherwise the default AWS chain applies.
func NewBlobStore(opts BlobStoreOptions) (*BlobStore, error) {
	awsCfg := &aws.Config{Region: aws.String(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	maxBytes := int64(opts.MaxSizeMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &BlobStore{
		bucket:     opts.Bucket,
		maxBytes:   maxBytes,
		client:     s3.New(sess),
		downloader: s3manager.NewDownloader(sess),
	}, nil
}

// Download fetches the original evidence object whose key starts with the
// given content hash, writing it to destPath. Returns false without error
// when no suitable object exists; missing evidence is a normal condition.
func (b *BlobStore) Download(ctx context.Context, hash, destPath string) (bool, error) {
	listing, err := b.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(hash),
	})
	if err != nil {
		return false, fmt.Errorf("listing objects for %s: %w", hash, err)
	}

	var targetKey string
	for _, obj := range listing.Contents {
		key := aws.StringValue(obj.Key)
		if strings.HasSuffix(key, ".html") || strings.HasSuffix(key, ".json") {
			continue
		}
		if aws.Int64Value(obj.Size) > b.maxBytes {
			return false, fmt.Errorf("object %s exceeds size cap (%d bytes)", key, aws.Int64Value(obj.Size))
		}
		targetKey = key
		break
	}
	if targetKey == "" {
		return false, nil
	}

	f, err := os.Create(destPath)
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := b.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(targetKey),
	}); err != nil {
		os.Remove(destPath)
		return false, fmt.Errorf("downloading %s: %w", targetKey, err)
	}
	return true, nil
}
