// Package publish uploads a merged artifact to object storage.
//
// A target is written as a URL: s3://bucket/prefix or gs://bucket/prefix. A
// file artifact is uploaded as prefix/<base name>; a directory artifact is
// uploaded file by file under prefix/<base name>/ with keys in sorted order,
// so repeated publishes of the same artifact produce the same object set.
package publish

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/errors"
)

// Supported URL schemes.
const (
	SchemeS3  = "s3"
	SchemeGCS = "gs"
)

// Target is a parsed publish destination.
type Target struct {
	Scheme string
	Bucket string
	// Prefix has no leading or trailing slash
	Prefix string
}

// String renders the target back as a URL.
func (t Target) String() string {
	if t.Prefix == "" {
		return t.Scheme + "://" + t.Bucket
	}
	return t.Scheme + "://" + t.Bucket + "/" + t.Prefix
}

// ParseTarget parses an s3:// or gs:// URL.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid publish target").WithDetail("target", raw)
	}
	switch u.Scheme {
	case SchemeS3, SchemeGCS:
	default:
		return Target{}, errors.Newf(errors.ErrorTypeConfig, "unsupported publish scheme %q (want s3 or gs)", u.Scheme)
	}
	if u.Host == "" {
		return Target{}, errors.Newf(errors.ErrorTypeConfig, "publish target %q has no bucket", raw)
	}
	return Target{Scheme: u.Scheme, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

// Object is one local file and the key it is uploaded under.
type Object struct {
	Path string
	Key  string
}

// Objects lists the uploads for localPath under prefix in key order.
func Objects(localPath, prefix string) ([]Object, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "artifact not accessible").WithDetail("path", localPath)
	}
	base := filepath.Base(localPath)
	if !info.IsDir() {
		return []Object{{Path: localPath, Key: path.Join(prefix, base)}}, nil
	}

	var objects []Object
	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		objects = append(objects, Object{Path: p, Key: path.Join(prefix, base, filepath.ToSlash(rel))})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "listing artifact").WithDetail("path", localPath)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Publisher uploads a local artifact and returns the URLs of the uploaded objects.
type Publisher interface {
	Publish(ctx context.Context, localPath string) ([]string, error)
	Close() error
}

// uploader puts a single object.
type uploader interface {
	upload(ctx context.Context, key string, f *os.File) error
}

// New creates the publisher for target.
func New(ctx context.Context, target Target, opts Options, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch target.Scheme {
	case SchemeS3:
		return NewS3Publisher(ctx, target, opts, logger)
	case SchemeGCS:
		return NewGCSPublisher(ctx, target, opts, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported publish scheme %q", target.Scheme)
	}
}

// Options tunes the uploaders.
type Options struct {
	// Region is the S3 region; empty uses the SDK default chain
	Region string
	// PartSize is the multipart part size in bytes for S3
	PartSize int64
	// Concurrency is the number of parts uploaded in parallel for S3
	Concurrency int
	// CredentialsFile is a service account key file for GCS
	CredentialsFile string
}

// publishAll uploads every object of localPath through u.
func publishAll(ctx context.Context, target Target, localPath string, u uploader, logger *zap.Logger) ([]string, error) {
	objects, err := Objects(localPath, target.Prefix)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(objects))
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return urls, err
		}
		f, err := os.Open(obj.Path)
		if err != nil {
			return urls, errors.Wrap(err, errors.ErrorTypeFile, "opening artifact file").WithDetail("path", obj.Path)
		}
		err = u.upload(ctx, obj.Key, f)
		_ = f.Close()
		if err != nil {
			return urls, errors.Wrap(err, errors.ErrorTypeFile, "upload failed").
				WithDetail("bucket", target.Bucket).
				WithDetail("key", obj.Key)
		}
		loc := Target{Scheme: target.Scheme, Bucket: target.Bucket, Prefix: obj.Key}.String()
		logger.Debug("uploaded object", zap.String("url", loc))
		urls = append(urls, loc)
	}
	logger.Info("published artifact",
		zap.String("artifact", localPath),
		zap.String("target", target.String()),
		zap.Int("objects", len(urls)))
	return urls, nil
}
