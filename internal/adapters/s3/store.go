// Package s3 implements ports.ObjectStore against Amazon S3 and
// S3-compatible endpoints (MinIO, localstack).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/bft-labs/walvault/internal/domain"
	"github.com/bft-labs/walvault/internal/ports"
)

// Options configure the S3 store.
type Options struct {
	// Bucket is the bucket holding all backup objects. Required.
	Bucket string

	// Endpoint overrides the default S3 service endpoint. When set, path
	// style addressing is forced because bucket-named virtual hosts are
	// not compatible with explicit endpoints.
	Endpoint string

	// Region for the bucket. Required unless resolvable from the profile
	// or environment.
	Region string

	// Profile selects credentials from the shared credentials file. If
	// empty, the default chain is used.
	Profile string

	// AccessKeyID and SecretAccessKey, when both set, take precedence over
	// Profile and the default chain.
	AccessKeyID     string
	SecretAccessKey string
}

// Store implements ports.ObjectStore over an S3 bucket.
type Store struct {
	bucket string
	client *s3.S3
}

// New creates an S3 store from the given options.
func New(opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	awsConfig := aws.NewConfig().WithCredentialsChainVerboseErrors(true)
	if opts.Region != "" {
		awsConfig = awsConfig.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		awsConfig = awsConfig.WithCredentials(
			credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, ""))
	}

	sess, err := session.NewSessionWithOptions(session.Options{Profile: opts.Profile})
	if err != nil {
		return nil, fmt.Errorf("s3: constructing session: %w", err)
	}
	if opts.Region == "" && (sess.Config.Region == nil || *sess.Config.Region == "") {
		return nil, fmt.Errorf("s3: missing region configuration")
	}

	return &Store{
		bucket: opts.Bucket,
		client: s3.New(sess, awsConfig),
	}, nil
}

// Put durably stores the contents of r under key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	// The SDK requires a ReadSeeker for retryable uploads.
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(b),
	})
	return classify(err)
}

// Get returns a reader over the object at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ports.ErrNotFound
		}
		return nil, classify(err)
	}
	return resp.Body, nil
}

// List returns all keys under prefix in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(out *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range out.Contents {
			keys = append(keys, *obj.Key)
		}
		return true
	})
	if err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

// Delete removes the object at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return classify(err)
}

func isNotFound(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		if awsErr.Code() == s3.ErrCodeNoSuchKey {
			return true
		}
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		return reqErr.StatusCode() == http.StatusNotFound
	}
	return false
}

// classify wraps failures that retrying will not fix in
// domain.ErrStorePermanent so the uploader can slow its retry cadence and
// report a stall instead of hammering the endpoint.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchBucket, errCodeAccessDenied, errCodeInvalidAccessKeyID, errCodeSignatureDoesNotMatch:
			return fmt.Errorf("%w: %v", domain.ErrStorePermanent, err)
		}
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		code := reqErr.StatusCode()
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return fmt.Errorf("%w: %v", domain.ErrStorePermanent, err)
		}
	}
	return err
}

const (
	// AWS S3 error codes not defined as constants in the SDK.
	errCodeAccessDenied          = "AccessDenied"
	errCodeInvalidAccessKeyID    = "InvalidAccessKeyId"
	errCodeSignatureDoesNotMatch = "SignatureDoesNotMatch"
)
