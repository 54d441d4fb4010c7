package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open creates a blob store from a storage URL:
//
//	file:///var/lib/atelier/blobs
//	s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000
//	gs://bucket/prefix
func Open(ctx context.Context, rawURL string) (BlobStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("artifacts: parse storage url: %w", err)
	}

	switch u.Scheme {
	case "file", "":
		path := u.Path
		if u.Scheme == "" {
			path = rawURL
		}
		return NewFileStore(path)

	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Prefix:   keyPrefix(u.Path),
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		})

	case "gs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket: u.Host,
			Prefix: keyPrefix(u.Path),
		})

	default:
		return nil, fmt.Errorf("artifacts: unsupported storage scheme %q", u.Scheme)
	}
}

// keyPrefix normalizes a URL path into an object key prefix.
func keyPrefix(path string) string {
	p := strings.Trim(path, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
