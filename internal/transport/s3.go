package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/schaermu/patchsync/internal/patcherr"
)

// S3Options configure the S3-compatible object storage client.
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	// Insecure talks plain HTTP to the endpoint.
	Insecure bool
}

// S3 fetches s3://bucket/key URLs from one endpoint.
type S3 struct {
	client *minio.Client
}

// NewS3 creates an S3 transport. Anonymous access is used when no keys are
// given.
func NewS3(opts S3Options, rt http.RoundTripper) (*S3, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    !opts.Insecure,
		Region:    opts.Region,
		Transport: rt,
	})
	if err != nil {
		return nil, err
	}
	return &S3{client: client}, nil
}

func (s *S3) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, patcherr.PermanentNetwork("get", rawURL, err)
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Error(rawURL, err)
	}
	// GetObject is lazy; Stat issues the request so missing objects fail here
	// rather than on the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s3Error(rawURL, err)
	}
	return obj, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url")
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must be s3://bucket/key")
	}
	return u.Host, key, nil
}

func s3Error(rawURL string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == 0:
		return patcherr.Network("get", rawURL, err)
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.Code == "AccessDenied":
		return patcherr.PermanentNetwork("get", rawURL, err)
	default:
		return statusError("get", rawURL, resp.StatusCode)
	}
}
