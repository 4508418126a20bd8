// Package attachment fetches template attachment bytes from their
// source locators and turns them into files for the compose surface.
package attachment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/foxzi/mailbatch/internal/surface"
	"github.com/foxzi/mailbatch/internal/template"
)

// DefaultMaxSize caps a single attachment
const DefaultMaxSize = 25 << 20

// ObjectGetter is the subset of the S3 client used for s3:// locators
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// FetchError describes an attachment that could not be fetched
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch attachment %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher resolves attachment locators: http(s) URLs, s3://bucket/key,
// file:// URLs, absolute paths and paths relative to a base locator
type Fetcher struct {
	client  *http.Client
	s3      ObjectGetter
	base    string
	maxSize int64
	logger  *slog.Logger
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient sets the client used for http(s) locators
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithS3 enables s3:// locators
func WithS3(g ObjectGetter) Option {
	return func(f *Fetcher) { f.s3 = g }
}

// WithBase sets the locator relative sources are resolved against. It
// may be a directory or a URL.
func WithBase(base string) Option {
	return func(f *Fetcher) { f.base = base }
}

// WithMaxSize limits the size of a single attachment
func WithMaxSize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a fetcher
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 2 * time.Minute},
		maxSize: DefaultMaxSize,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve turns a relative locator into an absolute one
func (f *Fetcher) Resolve(src string) string {
	if u, err := url.Parse(src); err == nil && len(u.Scheme) > 1 {
		return src
	}
	if filepath.IsAbs(src) || f.base == "" {
		return src
	}

	if base, err := url.Parse(f.base); err == nil && len(base.Scheme) > 1 {
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		ref, err := url.Parse(strings.TrimPrefix(src, "/"))
		if err != nil {
			return src
		}
		return base.ResolveReference(ref).String()
	}

	return filepath.Join(f.base, filepath.FromSlash(src))
}

// Fetch loads one attachment. The display name defaults to the last
// element of the locator.
func (f *Fetcher) Fetch(ctx context.Context, a template.Attachment) (surface.File, error) {
	src := f.Resolve(a.Source)
	name := a.Name
	if name == "" {
		name = path.Base(filepath.ToSlash(src))
	}

	data, contentType, err := f.read(ctx, src)
	if err != nil {
		return surface.File{}, &FetchError{Source: src, Err: err}
	}

	return surface.File{
		Name:        name,
		ContentType: DetectContentType(name, contentType, data),
		Data:        data,
	}, nil
}

// FetchAll loads attachments in parallel preserving order. The first
// failure cancels the rest.
func (f *Fetcher) FetchAll(ctx context.Context, atts []template.Attachment) ([]surface.File, error) {
	files := make([]surface.File, len(atts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range atts {
		g.Go(func() error {
			file, err := f.Fetch(gctx, a)
			if err != nil {
				return err
			}
			files[i] = file
			f.logger.Debug("attachment fetched", "name", file.Name, "size", len(file.Data), "content_type", file.ContentType)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func (f *Fetcher) read(ctx context.Context, src string) ([]byte, string, error) {
	u, err := url.Parse(src)
	if err != nil || len(u.Scheme) <= 1 {
		return f.readFile(src)
	}

	switch u.Scheme {
	case "http", "https":
		return f.readHTTP(ctx, src)
	case "s3":
		return f.readS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "file":
		return f.readFile(u.Path)
	default:
		return nil, "", fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
}

func (f *Fetcher) readFile(p string) ([]byte, string, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	data, err := f.readLimited(file)
	return data, "", err
}

func (f *Fetcher) readHTTP(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := f.readLimited(resp.Body)
	return data, resp.Header.Get("Content-Type"), err
}

func (f *Fetcher) readS3(ctx context.Context, bucket, key string) ([]byte, string, error) {
	if f.s3 == nil {
		return nil, "", fmt.Errorf("s3 locators are not configured")
	}
	if bucket == "" || key == "" {
		return nil, "", fmt.Errorf("s3 locator needs bucket and key")
	}

	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", err
	}
	defer out.Body.Close()

	data, err := f.readLimited(out.Body)
	return data, aws.ToString(out.ContentType), err
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", f.maxSize)
	}
	return data, nil
}

// DetectContentType picks the attachment MIME type from the display
// name, then the transport header, then the content itself
func DetectContentType(name, header string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return header
		}
	}
	return http.DetectContentType(data)
}
