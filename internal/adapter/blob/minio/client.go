// Package minio implements the object store on an S3-compatible endpoint.
// Error responses are mapped onto the error-kind taxonomy so callers never
// parse S3 error strings.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/etl-narrative-engine/internal/domain"
)

// Options configures the client.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Client is the ObjectStore backed by a single bucket.
type Client struct {
	api    *miniogo.Client
	bucket string
	region string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a client. The endpoint is host:port without a scheme.
func New(opts Options) (*Client, error) {
	api, err := miniogo.New(opts.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	return &Client{api: api, bucket: opts.Bucket, region: opts.Region, locks: make(map[string]*sync.Mutex)}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx domain.Context) error {
	exists, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("op=blob.ensure_bucket: %w", classify(err))
	}
	if exists {
		return nil
	}
	if err := c.api.MakeBucket(ctx, c.bucket, miniogo.MakeBucketOptions{Region: c.region}); err != nil {
		return fmt.Errorf("op=blob.ensure_bucket: %w", classify(err))
	}
	return nil
}

// classify maps S3 error codes onto the error-kind taxonomy. Transport
// failures without a response fall through to network.
func classify(err error) error {
	resp := miniogo.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return domain.WrapKind(domain.KindNotFound, err)
	case "AccessDenied", "SignatureDoesNotMatch", "InvalidAccessKeyId":
		return domain.WrapKind(domain.KindAuth, err)
	case "SlowDown", "TooManyRequests":
		return domain.WrapKind(domain.KindRateLimit, err)
	case "RequestTimeout":
		return domain.WrapKind(domain.KindTimeout, err)
	case "EntityTooLarge":
		return domain.WrapKind(domain.KindValidation, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapKind(domain.KindTimeout, err)
	}
	return domain.WrapKind(domain.KindNetwork, err)
}

func isAbsent(err error) bool {
	resp := miniogo.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

// Get downloads an object, refusing blobs whose declared size exceeds
// maxSize before reading the body. maxSize <= 0 disables the check.
func (c *Client) Get(ctx domain.Context, key string, maxSize int64) ([]byte, error) {
	tracer := otel.Tracer("blob.minio")
	ctx, span := tracer.Start(ctx, "blob.Get")
	defer span.End()

	if maxSize > 0 {
		info, err := c.api.StatObject(ctx, c.bucket, key, miniogo.StatObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("op=blob.get: %w", classify(err))
		}
		if info.Size > maxSize {
			return nil, fmt.Errorf("op=blob.get: object %q is %d bytes, limit %d: %w", key, info.Size, maxSize, domain.ErrBlobTooLarge)
		}
	}

	obj, err := c.api.GetObject(ctx, c.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %w", classify(err))
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %w", classify(err))
	}
	return data, nil
}

// Put uploads data under key.
func (c *Client) Put(ctx domain.Context, key string, data []byte, contentType string) error {
	tracer := otel.Tracer("blob.minio")
	ctx, span := tracer.Start(ctx, "blob.Put")
	defer span.End()

	_, err := c.api.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("op=blob.put: %w", classify(err))
	}
	return nil
}

// Head returns object metadata, or (nil, nil) when the object is absent.
func (c *Client) Head(ctx domain.Context, key string) (*domain.ObjectInfo, error) {
	info, err := c.api.StatObject(ctx, c.bucket, key, miniogo.StatObjectOptions{})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=blob.head: %w", classify(err))
	}
	return &domain.ObjectInfo{
		Size:        info.Size,
		ContentType: info.ContentType,
		ETag:        info.ETag,
	}, nil
}

// lockFor returns the per-key mutex, creating it on first use. Lock
// entries are never removed; the key space is a handful of monthly files.
func (c *Client) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Append serializes read-modify-write cycles on key within this process.
// fn receives the current content (nil when the object is absent) and
// returns the full replacement content.
func (c *Client) Append(ctx domain.Context, key string, contentType string, fn func(existing []byte) []byte) error {
	tracer := otel.Tracer("blob.minio")
	ctx, span := tracer.Start(ctx, "blob.Append")
	defer span.End()

	l := c.lockFor(key)
	l.Lock()
	defer l.Unlock()

	existing, err := c.Get(ctx, key, 0)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || isAbsentDeep(err) {
			existing = nil
		} else {
			return fmt.Errorf("op=blob.append: %w", err)
		}
	}
	next := fn(existing)
	if err := c.Put(ctx, key, next, contentType); err != nil {
		return fmt.Errorf("op=blob.append: %w", err)
	}
	return nil
}

func isAbsentDeep(err error) bool {
	var kerr *domain.KindError
	return errors.As(err, &kerr) && kerr.Kind == domain.KindNotFound
}

// Ping verifies the bucket is reachable; used by readiness checks.
func (c *Client) Ping(ctx domain.Context) error {
	exists, err := c.api.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("op=blob.ping: %w", classify(err))
	}
	if !exists {
		return fmt.Errorf("op=blob.ping: bucket %q: %w", c.bucket, domain.ErrNotFound)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.bucket }
