package publish

import (
	"context"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/frameconv/pkg/errors"
)

// GCSPublisher uploads to a Google Cloud Storage bucket.
type GCSPublisher struct {
	target Target
	client *storage.Client
	bucket *storage.BucketHandle
	logger *zap.Logger
}

// NewGCSPublisher creates a storage client, using CredentialsFile when set
// and application default credentials otherwise.
func NewGCSPublisher(ctx context.Context, target Target, opts Options, logger *zap.Logger) (*GCSPublisher, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating GCS client")
	}
	return &GCSPublisher{
		target: target,
		client: client,
		bucket: client.Bucket(target.Bucket),
		logger: logger.With(zap.String("publisher", "gcs")),
	}, nil
}

// Publish implements Publisher.
func (p *GCSPublisher) Publish(ctx context.Context, localPath string) ([]string, error) {
	return publishAll(ctx, p.target, localPath, p, p.logger)
}

func (p *GCSPublisher) upload(ctx context.Context, key string, f *os.File) error {
	w := p.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType(key)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Close implements Publisher.
func (p *GCSPublisher) Close() error {
	return p.client.Close()
}
