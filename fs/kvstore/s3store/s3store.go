// Package s3store keeps a key-value store in an S3 compatible bucket,
// one object per key. It works against AWS S3, Cloudflare R2 and MinIO.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvstore"
)

// ObjectAPI is the part of *s3.Client the store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config describes the bucket to connect to. Endpoint is empty for AWS;
// for R2 it is https://<account>.r2.cloudflarestorage.com.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	UsePathStyle    bool
}

// Store is a kvstore.Store over a bucket. Put without overwrite is a
// conditional write, so two stores over the same bucket never mint the
// same key twice.
type Store struct {
	client ObjectAPI
	bucket string
	prefix string
	log    *slog.Logger
}

var (
	_ kvstore.Store       = (*Store)(nil)
	_ kvstore.SimpleStore = (*Store)(nil)
)

// New builds an S3 client from cfg and returns a store over its bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient returns a store using client. Every key is stored under
// prefix.
func NewWithClient(client ObjectAPI, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newClient(ctx context.Context, c Config) (*s3.Client, error) {
	region := c.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if c.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.UsePathStyle
	}), nil
}

func (s *Store) SetLogger(l *slog.Logger) {
	s.log = l
}

func (s *Store) Name() string {
	if s.prefix == "" {
		return "s3:" + s.bucket
	}
	return "s3:" + s.bucket + "/" + s.prefix
}

// objectKey escapes key into one path segment below the prefix.
func (s *Store) objectKey(key string) string {
	k := url.PathEscape(key)
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *Store) BeginTx(ctx context.Context, mode kvstore.Mode) (kvstore.Tx, error) {
	return kvstore.NewSimpleTx(s, mode), nil
}

func (s *Store) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	defer func() {
		s.log.Debug("Get", "key", key, "found", ok, "err", err)
	}()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fs.Errorf(fs.EIO, "get", key, "get object: %w", err)
	}
	defer out.Body.Close()
	data, err = io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fs.Errorf(fs.EIO, "get", key, "read object: %w", err)
	}
	return data, true, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, overwrite bool) (ok bool, err error) {
	defer func() {
		s.log.Debug("Put", "key", key, "size", len(data), "overwrite", overwrite, "err", err)
	}()
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	}
	if !overwrite {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if !overwrite && isPreconditionFailed(err) {
			return false, nil
		}
		return false, fs.Errorf(fs.EIO, "put", key, "put object: %w", err)
	}
	return true, nil
}

func (s *Store) Del(ctx context.Context, key string) (err error) {
	defer func() {
		s.log.Debug("Del", "key", key, "err", err)
	}()
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fs.Errorf(fs.EIO, "del", key, "delete object: %w", err)
	}
	return nil
}

// Keys returns every key in the store, in bucket listing order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.listPrefix()),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fs.Errorf(fs.EIO, "list", s.Name(), "list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.listPrefix())
			if strings.Contains(name, "/") {
				continue
			}
			key, err := url.PathUnescape(name)
			if err != nil {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Clear deletes every key under the store's prefix.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Del(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
