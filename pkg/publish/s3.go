package publish

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/errors"
)

const (
	defaultUploadPartSize = 5 * 1024 * 1024 // 5MB
	defaultConcurrency    = 4
)

// S3Publisher uploads to an S3 bucket with the multipart upload manager.
type S3Publisher struct {
	target   Target
	uploader *manager.Uploader
	logger   *zap.Logger
}

// NewS3Publisher loads the AWS configuration from the environment and builds an uploader.
func NewS3Publisher(ctx context.Context, target Target, opts Options, logger *zap.Logger) (*S3Publisher, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "loading AWS configuration")
	}

	partSize := opts.PartSize
	if partSize <= 0 {
		partSize = defaultUploadPartSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	client := s3.NewFromConfig(cfg)
	return &S3Publisher{
		target: target,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = concurrency
		}),
		logger: logger.With(zap.String("publisher", "s3")),
	}, nil
}

// Publish implements Publisher.
func (p *S3Publisher) Publish(ctx context.Context, localPath string) ([]string, error) {
	return publishAll(ctx, p.target, localPath, p, p.logger)
}

func (p *S3Publisher) upload(ctx context.Context, key string, f *os.File) error {
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.target.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(key)),
	})
	return err
}

// Close implements Publisher.
func (p *S3Publisher) Close() error { return nil }
