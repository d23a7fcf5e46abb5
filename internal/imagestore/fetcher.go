// fetcher.go - Resolve receipt references to image bytes (HTTP(S) and S3)

package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultMaxBytes caps a receipt download when no limit is configured.
const DefaultMaxBytes int64 = 10 << 20

// ErrTooLarge is returned when a receipt exceeds the configured byte limit.
var ErrTooLarge = errors.New("receipt image exceeds size limit")

// Image is a fetched receipt ready to hand to the extractor.
type Image struct {
	Data     []byte
	MIMEType string
	Source   string
}

// Fetcher resolves one reference to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*Image, error)
}

// Router dispatches a reference to the fetcher for its URL scheme.
type Router struct {
	HTTP Fetcher
	S3   Fetcher
}

// Fetch picks the backend from the reference's scheme.
func (r *Router) Fetch(ctx context.Context, ref string) (*Image, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("invalid receipt reference %q: %w", ref, err)
	}

	switch parsed.Scheme {
	case "http", "https":
		if r.HTTP == nil {
			return nil, fmt.Errorf("no HTTP image fetcher configured")
		}
		return r.HTTP.Fetch(ctx, ref)
	case "s3":
		if r.S3 == nil {
			return nil, fmt.Errorf("no S3 image fetcher configured")
		}
		return r.S3.Fetch(ctx, ref)
	default:
		return nil, fmt.Errorf("unsupported receipt reference scheme %q", parsed.Scheme)
	}
}

// HTTPFetcher downloads receipts over HTTP(S).
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher returns a fetcher with a per-request timeout and byte cap.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads the image at imageURL.
func (f *HTTPFetcher) Fetch(ctx context.Context, imageURL string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}

	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, err
	}

	return &Image{
		Data:     data,
		MIMEType: detectMIMEType(resp.Header.Get("Content-Type"), imageURL, data),
		Source:   imageURL,
	}, nil
}

// S3API is the part of the S3 client the fetcher uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads receipts referenced as s3://bucket/key.
type S3Fetcher struct {
	client   S3API
	maxBytes int64
}

func NewS3Fetcher(client S3API, maxBytes int64) *S3Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &S3Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch reads the object named by ref.
func (f *S3Fetcher) Fetch(ctx context.Context, ref string) (*Image, error) {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return nil, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3 object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body, f.maxBytes)
	if err != nil {
		return nil, err
	}

	return &Image{
		Data:     data,
		MIMEType: detectMIMEType(aws.ToString(out.ContentType), key, data),
		Source:   ref,
	}, nil
}

func parseS3Ref(ref string) (string, string, error) {
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid s3 reference %q", ref)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if parsed.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 reference %q needs both bucket and key", ref)
	}
	return parsed.Host, key, nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("receipt image is empty")
	}
	return data, nil
}

// detectMIMEType trusts a specific Content-Type, then the file extension,
// then content sniffing.
func detectMIMEType(contentType, name string, data []byte) string {
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil &&
			mediaType != "application/octet-stream" && mediaType != "binary/octet-stream" {
			return mediaType
		}
	}

	switch strings.ToLower(path.Ext(stripQuery(name))) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}

	return http.DetectContentType(data)
}

func stripQuery(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		return name[:i]
	}
	return name
}
