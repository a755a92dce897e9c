// Package storage resolves binary artifacts and issues presigned upload and
// download URLs against an S3-compatible object store (MinIO in development).
package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"jobscheduler/internal/apperr"
	"jobscheduler/internal/logging"
)

// ErrTooLarge marks an artifact over the configured size cap.
var ErrTooLarge = errors.New("artifact too large")

// Options configures the object store.
type Options struct {
	Bucket           string
	Region           string
	Endpoint         string
	AccessKey        string
	SecretKey        string
	PathStyle        bool
	MaxArtifactBytes int64
	AllowLocal       bool
	UploadTTL        time.Duration
}

// Upload is a presigned PUT the console uses to send bytes straight to the
// object store.
type Upload struct {
	URL               string    `json:"uploadUrl"`
	Method            string    `json:"method"`
	ObjectName        string    `json:"objectName"`
	ArtifactReference string    `json:"filePath"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Store is the artifact store.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	opts    Options
	log     *zap.SugaredLogger
}

// New loads AWS configuration and builds a Store. Static credentials win over
// the default chain when both keys are set.
func New(ctx context.Context, opts Options, log *zap.SugaredLogger) (*Store, error) {
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, opts, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, opts Options, log *zap.SugaredLogger) *Store {
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = time.Hour
	}
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		opts:    opts,
		log:     logging.Component(log, "storage"),
	}
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// Bucket is the default bucket for bare object names.
func (s *Store) Bucket() string { return s.opts.Bucket }

// Reference returns the artifact reference stored on a job for objectName.
func (s *Store) Reference(objectName string) string {
	return "s3://" + s.opts.Bucket + "/" + objectName
}

// Fetch copies the artifact into dir and returns the local path. Missing
// artifacts are ErrNotFound, oversized ones ErrTooLarge, and an unreachable
// store is ErrDependencyUnavailable.
func (s *Store) Fetch(ctx context.Context, ref, dir string) (string, error) {
	if filepath.IsAbs(ref) {
		if !s.opts.AllowLocal {
			return "", apperr.Invalid("local artifact %s is not allowed", ref)
		}
		return s.fetchLocal(ref, dir)
	}
	bucket, key, err := s.parse(ref)
	if err != nil {
		return "", err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", classify(err, "get %s", ref)
	}
	defer out.Body.Close()
	if s.opts.MaxArtifactBytes > 0 && aws.ToInt64(out.ContentLength) > s.opts.MaxArtifactBytes {
		return "", errors.Mark(errors.Newf("artifact %s is %d bytes, limit %d", ref, aws.ToInt64(out.ContentLength), s.opts.MaxArtifactBytes), ErrTooLarge)
	}
	dst := filepath.Join(dir, safeName(key))
	if err := s.writeCapped(dst, out.Body, ref); err != nil {
		return "", err
	}
	s.log.Debugw("Fetched artifact", "ref", ref, "path", dst)
	return dst, nil
}

func (s *Store) fetchLocal(ref, dir string) (string, error) {
	src, err := os.Open(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.NotFound("artifact %s not found", ref)
		}
		return "", errors.Wrapf(err, "open %s", ref)
	}
	defer src.Close()
	dst := filepath.Join(dir, safeName(ref))
	if err := s.writeCapped(dst, src, ref); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Store) writeCapped(dst string, r io.Reader, ref string) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	limit := s.opts.MaxArtifactBytes
	var n int64
	if limit > 0 {
		n, err = io.Copy(f, io.LimitReader(r, limit+1))
	} else {
		n, err = io.Copy(f, r)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return apperr.Unavailable(err, "download %s", ref)
	}
	if limit > 0 && n > limit {
		_ = os.Remove(dst)
		return errors.Mark(errors.Newf("artifact %s exceeds %d bytes", ref, limit), ErrTooLarge)
	}
	return nil
}

// PresignUpload returns a PUT URL for a new object under uploads/.
func (s *Store) PresignUpload(ctx context.Context, fileName, contentType string) (Upload, error) {
	name := safeName(fileName)
	if name == "" {
		return Upload{}, apperr.Invalid("fileName is required")
	}
	objectName := path.Join("uploads", time.Now().UTC().Format("20060102T150405"), name)
	in := &s3.PutObjectInput{Bucket: aws.String(s.opts.Bucket), Key: aws.String(objectName)}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := s.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(s.opts.UploadTTL))
	if err != nil {
		return Upload{}, errors.Wrapf(err, "presign upload %s", objectName)
	}
	return Upload{
		URL:               req.URL,
		Method:            req.Method,
		ObjectName:        objectName,
		ArtifactReference: s.Reference(objectName),
		ExpiresAt:         time.Now().Add(s.opts.UploadTTL),
	}, nil
}

// PresignDownload returns a GET URL for objectName.
func (s *Store) PresignDownload(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	bucket, key, err := s.parse(objectName)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.opts.UploadTTL
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", errors.Wrapf(err, "presign download %s", objectName)
	}
	return req.URL, nil
}

// Delete removes an object. Deleting a missing object succeeds, as in S3.
func (s *Store) Delete(ctx context.Context, objectName string) error {
	bucket, key, err := s.parse(objectName)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return classify(err, "delete %s", objectName)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	if err != nil {
		return apperr.Unavailable(err, "head bucket %s", s.opts.Bucket)
	}
	return nil
}

// parse splits "s3://bucket/key" or a bare key into bucket and key.
func (s *Store) parse(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", apperr.Invalid("artifact reference %q must be s3://bucket/key", ref)
		}
		return bucket, key, nil
	}
	key := strings.TrimPrefix(ref, "/")
	if key == "" || strings.Contains(key, "..") {
		return "", "", apperr.Invalid("object name %q is invalid", ref)
	}
	return s.opts.Bucket, key, nil
}

// classify maps SDK errors onto the engine taxonomy. A response from the
// service means the store is up; anything else is an outage.
func classify(err error, format string, args ...any) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return errors.Mark(errors.Wrapf(err, format, args...), apperr.ErrNotFound)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 404:
			return errors.Mark(errors.Wrapf(err, format, args...), apperr.ErrNotFound)
		case code >= 500:
			return apperr.Unavailable(err, format, args...)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return errors.Mark(errors.Wrapf(err, format, args...), apperr.ErrNotFound)
		}
		return errors.Wrapf(err, format, args...)
	}
	return apperr.Unavailable(err, format, args...)
}

// safeName strips directories so an object name can never escape dir.
func safeName(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return ""
	}
	return base
}
