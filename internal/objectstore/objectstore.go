// -------------------------------------------------------------------------------
// Object Store - S3-compatible Photo Mirror
//
// Author: Alex Freidah
//
// Writes spot photos to an S3-compatible bucket under a key derived from the
// place ID and returns the public read URL. Uploads overwrite, so a repeated
// mirror of the same place is harmless. Credential and bucket problems are
// reported as ErrMisconfigured so callers can tell them from transient
// failures.
// -------------------------------------------------------------------------------

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/codes"

	"github.com/afreidah/spotkeeper/internal/config"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// ErrMisconfigured indicates the bucket or credentials are wrong.
var ErrMisconfigured = errors.New("object store misconfigured")

// misconfiguredCodes are S3 error codes that retrying will not fix.
var misconfiguredCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"AllAccessDisabled":     true,
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeKey maps a place ID to a safe object key stem. Characters other
// than ASCII letters, digits, '_' and '-' become '_'. Case is preserved
// because place IDs are case-sensitive.
func SanitizeKey(placeID string) string {
	s := unsafeKeyChars.ReplaceAllString(placeID, "_")
	if s == "" {
		return "_"
	}
	return s
}

// Store uploads photos to one bucket.
type Store struct {
	client        *s3.Client
	bucket        string
	prefix        string
	publicBaseURL string
	timeout       time.Duration
}

// New builds an S3 client from config. HTTPS endpoints skip payload hashing;
// plain HTTP endpoints are always fully signed.
func New(cfg config.ObjectStoreConfig) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: endpoint and bucket are required", ErrMisconfigured)
	}

	opts := s3.Options{
		BaseEndpoint:               aws.String(cfg.Endpoint),
		Region:                     cfg.Region,
		Credentials:                credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle:               cfg.ForcePathStyle,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if strings.HasPrefix(cfg.Endpoint, "https://") {
		withUnsignedPayload(&opts)
	}

	return &Store{
		client:        s3.New(opts),
		bucket:        cfg.Bucket,
		prefix:        cfg.KeyPrefix,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		timeout:       cfg.UploadTimeout,
	}, nil
}

// withUnsignedPayload swaps the SHA-256 payload hash for UNSIGNED-PAYLOAD,
// which is safe over TLS and avoids hashing the photo twice.
func withUnsignedPayload(o *s3.Options) {
	o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
}

// ObjectKey returns the key a place's photo is stored under.
func (s *Store) ObjectKey(placeID string) string {
	return s.prefix + SanitizeKey(placeID) + ".jpg"
}

// PublicURL returns the read URL for an object key.
func (s *Store) PublicURL(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + url.PathEscape(s.bucket) + "/" + strings.Join(segments, "/")
}

// PutPhoto uploads a place's photo, overwriting any previous object, and
// returns its public URL.
func (s *Store) PutPhoto(ctx context.Context, placeID string, data []byte, contentType string) (string, error) {
	key := s.ObjectKey(placeID)

	ctx, span := telemetry.StartSpan(ctx, "objectstore.PutPhoto",
		telemetry.AttrPlaceID.String(placeID),
		telemetry.AttrObjectKey.String(key),
		telemetry.AttrObjectSize.Int(len(data)),
	)
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("public, max-age=31536000"),
	})
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	telemetry.PhotoUploadBytes.Observe(float64(len(data)))
	return s.PublicURL(key), nil
}

// Ping checks that the bucket exists and the credentials can reach it.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, classify(err))
	}
	return nil
}

// classify tags credential and bucket errors with ErrMisconfigured.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && misconfiguredCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %w", ErrMisconfigured, err)
	}
	return err
}
