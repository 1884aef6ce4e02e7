// Package s3 uploads run artifacts to S3 or an S3-compatible store.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/btagflow/btagflow/pkg/errors"
)

// Config holds S3 client configuration.
type Config struct {
	// URL is the destination, "s3://bucket/prefix". Empty disables upload.
	URL string `yaml:"url"`

	// Region is the AWS region (e.g., "us-east-1")
	Region string `yaml:"region"`

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string `yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool `yaml:"use_path_style"`

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	OperationTimeout time.Duration `yaml:"operation_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`

	// PartSize is the multipart part size in bytes (minimum 5MB on S3).
	PartSize int64 `yaml:"part_size"`
}

// DefaultConfig returns upload disabled with standard timeouts.
func DefaultConfig() Config {
	return Config{
		OperationTimeout: 30 * time.Second,
		UploadTimeout:    5 * time.Minute,
		PartSize:         5 * 1024 * 1024,
	}
}

// Enabled reports whether a destination is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// ParseURL splits an s3 URL into bucket and key prefix.
func ParseURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.InvalidConfig("storage.url", raw, "must look like s3://bucket/prefix")
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// API is the subset of the S3 client used for uploads.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Client uploads files under a bucket prefix.
type Client struct {
	cfg    Config
	bucket string
	prefix string
	api    API
}

// NewClient creates a client from the AWS default chain, overridden by
// explicit settings.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUpload, "failed to load AWS config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewWithAPI(cfg, s3.NewFromConfig(awsCfg, s3Opts...))
}

// NewWithAPI creates a client over an existing API implementation.
func NewWithAPI(cfg Config, api API) (*Client, error) {
	bucket, prefix, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = def.UploadTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	return &Client{cfg: cfg, bucket: bucket, prefix: prefix, api: api}, nil
}

// Bucket returns the destination bucket.
func (c *Client) Bucket() string {
	return c.bucket
}

// Key returns the object key of a file name under the prefix.
func (c *Client) Key(name string) string {
	if c.prefix == "" {
		return name
	}
	return path.Join(c.prefix, name)
}

// Upload copies a local file to the prefix under its base name and
// returns the object URL.
func (c *Client) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeUpload, "failed to open artifact").
			WithContext("path", localPath)
	}
	defer f.Close()

	key := c.Key(filepath.Base(localPath))
	w := c.Writer(ctx, key, contentType(localPath))
	if _, err := io.Copy(w, f); err != nil {
		w.abort()
		return "", errors.Wrap(err, errors.CodeUpload, "upload failed").WithContext("key", key)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, errors.CodeUpload, "upload failed").WithContext("key", key)
	}
	return fmt.Sprintf("s3://%s/%s", c.bucket, key), nil
}

// UploadAll uploads files in order and stops at the first failure.
func (c *Client) UploadAll(ctx context.Context, paths []string) ([]string, error) {
	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		u, err := c.Upload(ctx, p)
		if err != nil {
			return urls, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".png":
		return "image/png"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// Writer returns a writer for key. Data is sent with a single PUT unless
// it exceeds the part size, in which case a multipart upload is used.
func (c *Client) Writer(ctx context.Context, key, contentType string) *Writer {
	return &Writer{
		ctx:         ctx,
		api:         c.api,
		bucket:      c.bucket,
		key:         key,
		contentType: contentType,
		cfg:         c.cfg,
		buf:         make([]byte, 0, c.cfg.PartSize),
	}
}

// Writer implements io.WriteCloser for S3 uploads.
type Writer struct {
	ctx         context.Context
	api         API
	bucket      string
	key         string
	contentType string
	cfg         Config

	mu       sync.Mutex
	buf      []byte
	parts    []types.CompletedPart
	uploadID string
	partNum  int32
	closed   bool
	err      error
}

func (w *Writer) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	if w.err != nil {
		return 0, w.err
	}

	w.buf = append(w.buf, p...)

	for int64(len(w.buf)) >= w.cfg.PartSize {
		if err := w.uploadPartLocked(w.buf[:w.cfg.PartSize]); err != nil {
			w.err = err
			return len(p), err
		}
		w.buf = w.buf[w.cfg.PartSize:]
	}

	return len(p), nil
}

func (w *Writer) uploadPartLocked(data []byte) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.UploadTimeout)
	defer cancel()

	if w.uploadID == "" {
		out, err := w.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(w.key),
			ContentType: aws.String(w.contentType),
		})
		if err != nil {
			return fmt.Errorf("failed to create multipart upload: %w", err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	w.partNum++
	out, err := w.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", w.partNum, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	return nil
}

// Close uploads the remaining data and completes the object.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.err != nil {
		return w.err
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.UploadTimeout)
	defer cancel()

	// small object: simple PUT
	if w.uploadID == "" {
		_, err := w.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(w.key),
			Body:        bytes.NewReader(w.buf),
			ContentType: aws.String(w.contentType),
		})
		return err
	}

	if len(w.buf) > 0 {
		if err := w.uploadPartLocked(w.buf); err != nil {
			return err
		}
		w.buf = w.buf[:0]
	}

	_, err := w.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	return err
}

// abort discards a started multipart upload.
func (w *Writer) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.uploadID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.OperationTimeout)
	defer cancel()
	w.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
}
