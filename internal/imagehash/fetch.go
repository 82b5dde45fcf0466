package imagehash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
)

// ErrUnusableImage marks a profile image that can never be compared (missing, too large, not an image).
var ErrUnusableImage = fmt.Errorf("profile image unusable: %w", models.ErrNotComparable)

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher loads profile images from http(s) URLs or s3://bucket/key references.
type Fetcher struct {
	httpClient *http.Client
	s3         objectGetter
	maxBytes   int64
}

// NewFetcher builds a fetcher. The S3 client is created only when a region or endpoint is configured.
func NewFetcher(ctx context.Context, cfg config.ImageConfig) (*Fetcher, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	f := &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   cfg.MaxBytes,
	}
	if cfg.S3Region != "" || cfg.S3Endpoint != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		f.s3 = client
	}
	return f, nil
}

func newS3Client(ctx context.Context, cfg config.ImageConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Fetch returns the raw image bytes behind ref.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: bad reference %q", ErrUnusableImage, ref)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.download(ctx, ref)
	case "s3":
		return f.getObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrUnusableImage, u.Scheme)
	}
}

func (f *Fetcher) download(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnusableImage, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransientUpstreamError{Service: "images", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &models.TransientUpstreamError{Service: "images", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d", ErrUnusableImage, resp.StatusCode)
	}
	return f.readLimited(resp.Body)
}

func (f *Fetcher) getObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if f.s3 == nil {
		return nil, fmt.Errorf("%w: s3 reference but no s3 client configured", ErrUnusableImage)
	}
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: s3 reference needs bucket and key", ErrUnusableImage)
	}
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: s3://%s/%s not found", ErrUnusableImage, bucket, key)
		}
		return nil, &models.TransientUpstreamError{Service: "s3", Err: err}
	}
	defer out.Body.Close()
	return f.readLimited(out.Body)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	limit := f.maxBytes
	if limit <= 0 {
		limit = 5 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, &models.TransientUpstreamError{Service: "images", Err: fmt.Errorf("read image: %w", err)}
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrUnusableImage, limit)
	}
	return body, nil
}
