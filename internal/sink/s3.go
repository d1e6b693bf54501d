package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/skypro1111/pcm-recorder/internal/config"
	"github.com/skypro1111/pcm-recorder/internal/session"
)

// S3Client abstracts the S3 API operations used by S3Sink.
// The *s3.Client type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads recordings to Amazon S3 or any S3-compatible store
// (MinIO, R2, etc.). Keys are the recording file name under an optional
// prefix.
type S3Sink struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from configuration. Endpoint and path-style
// addressing are only needed for S3-compatible stores.
func NewS3Client(c config.S3SinkConfig) *s3.Client {
	opts := s3.Options{
		Region:       c.Region,
		UsePathStyle: c.UsePathStyle,
	}
	if c.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""))
	}
	if c.Endpoint != "" {
		opts.BaseEndpoint = aws.String(c.Endpoint)
	}
	return s3.New(opts)
}

// NewS3Sink creates an S3 sink
func NewS3Sink(client S3Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Name implements Sink
func (s *S3Sink) Name() string { return "s3" }

// Key returns the object key for a recording
func (s *S3Sink) Key(res *session.Result) string {
	if s.prefix == "" {
		return ObjectName(res)
	}
	return s.prefix + "/" + ObjectName(res)
}

// Deliver implements Sink
func (s *S3Sink) Deliver(ctx context.Context, res *session.Result) error {
	if err := checkResult(res); err != nil {
		return err
	}

	cfg := res.Wave.Config()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.Key(res)),
		Body:          bytes.NewReader(res.Wave.Bytes()),
		ContentLength: aws.Int64(res.Wave.Len()),
		ContentType:   aws.String("audio/wav"),
		Metadata: map[string]string{
			"recording-id": res.ID,
			"sample-rate":  strconv.FormatUint(uint64(cfg.SampleRate()), 10),
			"channels":     strconv.Itoa(int(cfg.Channels())),
			"bit-depth":    strconv.Itoa(int(cfg.BitDepth())),
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("s3 put %s/%s: %s: %w", s.bucket, s.Key(res), apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, s.Key(res), err)
	}
	return nil
}
