package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps the snapshot as a single S3 object, for runs on ephemeral
// machines such as CI runners.
//
// A save after a load is conditional on the ETag seen by the load, so two
// runs racing on the same key fail instead of silently overwriting.
type S3Store struct {
	client S3API
	bucket string
	key    string
	logger *events.Logger

	mu   sync.Mutex
	etag string
}

// NewS3Store creates an S3 store using the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, key, region string, logger *events.Logger) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucket, key, logger)
}

// NewS3StoreWithClient creates an S3 store around an existing client.
func NewS3StoreWithClient(client S3API, bucket, key string, logger *events.Logger) (*S3Store, error) {
	if bucket == "" || key == "" {
		return nil, errors.New("s3 bucket and key are required")
	}

	return &S3Store{
		client: client,
		bucket: bucket,
		key:    key,
		logger: logger.WithField("component", "s3_state_store"),
	}, nil
}

// Load downloads and decodes the snapshot.
func (s *S3Store) Load(ctx context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			s.etag = ""
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("s3 get state: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read state object: %w", err)
	}

	s.etag = aws.ToString(result.ETag)

	s.logger.WithFields(map[string]interface{}{
		"location": s.Location(),
		"etag":     s.etag,
		"bytes":    len(data),
	}).Debug("Loaded state from S3")

	return decode(data)
}

// Save uploads the snapshot as one object.
func (s *S3Store) Save(ctx context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"updated-at": time.Now().UTC().Format(time.RFC3339),
			"entries":    strconv.Itoa(snap.Len()),
		},
	}
	if s.etag != "" {
		input.IfMatch = aws.String(s.etag)
	}

	result, err := s.client.PutObject(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("%w: %s", ErrStateConflict, s.Location())
		}
		return fmt.Errorf("s3 put state: %w", err)
	}

	s.etag = aws.ToString(result.ETag)

	s.logger.WithFields(map[string]interface{}{
		"location": s.Location(),
		"entries":  snap.Len(),
	}).Debug("Saved state to S3")

	return nil
}

// Reset deletes the state object.
func (s *S3Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete state: %w", err)
	}

	s.etag = ""
	s.logger.WithField("location", s.Location()).Info("Reset state in S3")
	return nil
}

// Location returns the s3:// URL of the state object.
func (s *S3Store) Location() string {
	return "s3://" + s.bucket + "/" + s.key
}

// Close releases resources.
func (s *S3Store) Close() error {
	return nil
}
