package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3PutClient abstracts the S3 PutObject operation for testability.
type S3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes ledger archive batches to an S3 bucket. It satisfies
// LedgerArchiver for production deployments.
type S3Archiver struct {
	client S3PutClient
	bucket string
	logger *slog.Logger
}

func NewS3Archiver(client S3PutClient, bucket string, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{client: client, bucket: bucket, logger: logger}
}

var _ LedgerArchiver = (*S3Archiver)(nil)

func (a *S3Archiver) UploadArchive(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("putting archive object s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.InfoContext(ctx, "uploaded ledger archive",
		"bucket", a.bucket,
		"key", key,
		"bytes", len(data),
	)
	return nil
}
