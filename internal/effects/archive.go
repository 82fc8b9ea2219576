package effects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/limestore/internal/order"
)

// ArchiveConfig holds R2/S3 settings for the receipt archive.
type ArchiveConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	URLExpiry       time.Duration
}

// objectPutter is the subset of *s3.Client the archive writes through.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReceiptArchive stores rendered receipts in an S3-compatible bucket.
type ReceiptArchive struct {
	client    objectPutter
	presign   *s3.PresignClient
	bucket    string
	urlExpiry time.Duration
}

// NewReceiptArchive creates an archive against an R2-style endpoint.
func NewReceiptArchive(cfg ArchiveConfig) (*ReceiptArchive, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 15 * time.Minute
	}

	client := s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &ReceiptArchive{
		client:    client,
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.BucketName,
		urlExpiry: cfg.URLExpiry,
	}, nil
}

// ReceiptKey returns the object key for an order's receipt.
// Pattern: receipts/{reference}.html
func ReceiptKey(reference string) string {
	return "receipts/" + sanitizePathComponent(reference) + ".html"
}

// Store uploads the HTML receipt.
func (a *ReceiptArchive) Store(ctx context.Context, o *order.Order, r *Receipt) (string, error) {
	key := ReceiptKey(o.Reference)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(r.HTML),
		ContentType: aws.String("text/html; charset=utf-8"),
		Metadata: map[string]string{
			"order-reference": o.Reference,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to store receipt: %w", err)
	}
	return key, nil
}

// PresignedURL returns a time-limited GET URL for a stored receipt.
func (a *ReceiptArchive) PresignedURL(ctx context.Context, reference string) (string, time.Time, error) {
	if a.presign == nil {
		return "", time.Time{}, errors.New("presigning is not available")
	}
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(ReceiptKey(reference)),
	}, s3.WithPresignExpires(a.urlExpiry))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to presign receipt url: %w", err)
	}
	return req.URL, time.Now().Add(a.urlExpiry), nil
}

// sanitizePathComponent keeps only alphanumerics, hyphens and underscores.
func sanitizePathComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
