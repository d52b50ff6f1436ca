// Package artifact fetches file_copy sources referenced as s3://bucket/key
// URIs, mirroring the teacher's anonymous-credentials S3 client idiom.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// Fetcher downloads s3:// sources into a local file, computing their
// SHA-256 digest along the way.
type Fetcher struct {
	region string
}

// NewFetcher builds a Fetcher bound to the given AWS region.
func NewFetcher(region string) *Fetcher {
	return &Fetcher{region: region}
}

// Result describes a completed fetch.
type Result struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// IsRemote reports whether src is an s3:// reference.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "s3://")
}

// Fetch downloads the object at the s3:// URI src to localPath.
func (f *Fetcher) Fetch(ctx context.Context, src, localPath string) (*Result, error) {
	bucket, key, err := parseS3URI(src)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindApply, err, "invalid s3 source")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(f.region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to load aws config")
	}

	client := s3.NewFromConfig(cfg)
	slog.Info("artifact_fetch_start", "bucket", bucket, "key", key, "local_path", localPath)

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		slog.Error("artifact_fetch_get_object_failed", "bucket", bucket, "key", key, "error", err)
		return nil, pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to fetch s3 object")
	}
	defer out.Body.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to create local file")
	}
	defer localFile.Close()

	hash := sha256.New()
	writer := io.MultiWriter(localFile, hash)
	size, err := io.Copy(writer, out.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to write fetched object")
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	slog.Info("artifact_fetch_complete", "bucket", bucket, "key", key, "sha256", digest, "size", size)
	return &Result{LocalPath: localPath, SHA256: digest, Size: size}, nil
}

func parseS3URI(src string) (bucket, key string, err error) {
	if !strings.HasPrefix(src, "s3://") {
		return "", "", fmt.Errorf("not an s3 uri: %s", src)
	}
	trimmed := strings.TrimPrefix(src, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 uri: %s", src)
	}
	return parts[0], parts[1], nil
}
