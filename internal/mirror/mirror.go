// Package mirror copies saved books to an S3 bucket.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-bookshelf-download/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
)

// ErrNoBucket is returned when the mirror is built without a bucket.
var ErrNoBucket = errors.New("mirror bucket not configured")

// PutObjectAPI is the slice of the S3 client the mirror needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Mirror uploads files to s3://Bucket/Prefix<name>.
type Mirror struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// New builds a Mirror from the default AWS credential chain.
func New(ctx context.Context, cfg models.MirrorConfig) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient builds a Mirror around an existing client.
func NewWithClient(client PutObjectAPI, cfg models.MirrorConfig) *Mirror {
	return &Mirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Key returns the object key a local file is stored under.
func (m *Mirror) Key(path string) string {
	prefix := m.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + filepath.Base(path)
}

// Upload stores the file at path and returns its s3:// URI.
func (m *Mirror) Upload(ctx context.Context, path string, format models.Format) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	key := m.Key(path)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(format)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	uri := fmt.Sprintf("s3://%s/%s", m.bucket, key)
	log.WithFields(log.Fields{"bucket": m.bucket, "key": key, "size": info.Size()}).Debug("Object stored")
	return uri, nil
}

func contentType(format models.Format) string {
	switch format {
	case models.FormatPDF:
		return "application/pdf"
	case models.FormatEPUB:
		return "application/epub+zip"
	}
	return "application/octet-stream"
}
