package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"
)

// Transport opens the byte stream behind a bundle locator.
type Transport interface {
	Open(ctx context.Context, locator *url.URL) (io.ReadCloser, error)
}

// DefaultTransports returns the transports for http, https, s3 and file
// locators.
func DefaultTransports(logger *slog.Logger, httpRetries int, s3Region string) map[string]Transport {
	httpTransport := NewHTTPTransport(logger, httpRetries)
	return map[string]Transport{
		"http":  httpTransport,
		"https": httpTransport,
		"s3":    &S3Transport{Region: s3Region},
		"file":  FileTransport{},
	}
}

// HTTPTransport downloads over HTTP with bounded retries of connection
// level failures.
type HTTPTransport struct {
	Client *retryablehttp.Client
}

// NewHTTPTransport returns a transport that retries failed requests up to
// retries times.
func NewHTTPTransport(logger *slog.Logger, retries int) *HTTPTransport {
	client := retryablehttp.NewClient()
	client.RetryMax = max(retries, 0)
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return &HTTPTransport{Client: client}
}

func (t *HTTPTransport) Open(ctx context.Context, locator *url.URL) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, locator.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", locator.Redacted(), resp.Status)
	}
	return resp.Body, nil
}

// S3Transport reads objects addressed as s3://bucket/key. The client is
// created on first use from the default AWS configuration chain.
type S3Transport struct {
	Region    string
	Anonymous bool

	once    sync.Once
	client  *s3.Client
	initErr error
}

func (t *S3Transport) Open(ctx context.Context, locator *url.URL) (io.ReadCloser, error) {
	bucket, key, err := s3Location(locator)
	if err != nil {
		return nil, err
	}

	client, err := t.s3Client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (t *S3Transport) s3Client(ctx context.Context) (*s3.Client, error) {
	t.once.Do(func() {
		opts := []func(*awsconfig.LoadOptions) error{}
		if t.Region != "" {
			opts = append(opts, awsconfig.WithRegion(t.Region))
		}
		if t.Anonymous {
			opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			t.initErr = fmt.Errorf("load aws config: %w", err)
			return
		}
		t.client = s3.NewFromConfig(cfg)
	})
	return t.client, t.initErr
}

func s3Location(locator *url.URL) (string, string, error) {
	bucket := locator.Host
	key := strings.TrimPrefix(locator.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 locator %q: want s3://bucket/key", locator.String())
	}
	return bucket, key, nil
}

// FileTransport reads bundles from the local filesystem.
type FileTransport struct{}

func (FileTransport) Open(ctx context.Context, locator *url.URL) (io.ReadCloser, error) {
	if locator.Path == "" {
		return nil, errors.New("file locator has no path")
	}
	file, err := os.Open(locator.Path)
	if err != nil {
		return nil, err
	}
	return &contextReader{ctx: ctx, ReadCloser: file}, nil
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	io.ReadCloser
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.ReadCloser.Read(p)
}
