// Package mirror copies exported snapshots to an S3-compatible bucket.
package mirror

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	sc "github.com/dmitrijs2005/opsvault/internal/server/config"
)

type S3Mirror struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

// New returns nil when no bucket is configured.
func New(ctx context.Context, cfg *sc.Config) (*S3Mirror, error) {
	if !cfg.MirrorEnabled() {
		return nil, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3RootUser,
			cfg.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3Mirror{client: client, bucket: cfg.S3Bucket, now: time.Now}, nil
}

// Key is the object key an archive named name is stored under.
func (m *S3Mirror) Key(name string) string {
	d := m.now()
	return fmt.Sprintf("backups/%04d/%02d/%02d/%s", d.Year(), d.Month(), d.Day(), name)
}

// Put uploads the archive at path and returns its object key.
func (m *S3Mirror) Put(ctx context.Context, name, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := m.Key(name)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}
