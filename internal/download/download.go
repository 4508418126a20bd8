// Package download persists written result files: to a local directory
// like a browser download, or to S3-compatible object storage.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// TransportError is returned when a file could not be persisted
type TransportError struct {
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to save %s: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DirPersister saves files into a directory. An existing file is never
// overwritten; a numeric suffix is added instead.
type DirPersister struct {
	dir string
}

// NewDirPersister creates a persister for dir
func NewDirPersister(dir string) *DirPersister {
	return &DirPersister{dir: dir}
}

// Save writes data and returns the final path
func (p *DirPersister) Save(ctx context.Context, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransportError{Target: filename, Err: err}
	}

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return "", &TransportError{Target: p.dir, Err: fmt.Errorf("failed to create directory: %w", err)}
	}

	name := filepath.Base(filename)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		target := filepath.Join(p.dir, candidate)

		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", &TransportError{Target: target, Err: err}
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(target)
			return "", &TransportError{Target: target, Err: err}
		}
		if err := f.Close(); err != nil {
			return "", &TransportError{Target: target, Err: err}
		}
		return target, nil
	}
}

// ObjectPutter is the subset of the S3 client used for uploads
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures an S3-compatible client
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// NewS3Client creates an S3 client with static credentials
func NewS3Client(o S3Options) *s3.Client {
	opts := []func(*s3.Options){
		func(so *s3.Options) {
			so.Region = o.Region
			if o.AccessKey != "" {
				so.Credentials = credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")
			}
		},
	}

	if o.Endpoint != "" {
		opts = append(opts, func(so *s3.Options) {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = o.PathStyle
		})
	}

	return s3.New(s3.Options{}, opts...)
}

// S3Persister uploads files under a key prefix
type S3Persister struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Persister creates a persister for bucket
func NewS3Persister(client ObjectPutter, bucket, prefix string) *S3Persister {
	return &S3Persister{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Save uploads data and returns its s3:// locator
func (p *S3Persister) Save(ctx context.Context, data []byte, filename string) (string, error) {
	key := path.Base(filepath.ToSlash(filename))
	if p.prefix != "" {
		key = p.prefix + "/" + key
	}
	locator := "s3://" + p.bucket + "/" + key

	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(key)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", &TransportError{Target: locator, Err: err}
	}
	return locator, nil
}
