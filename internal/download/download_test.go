package download

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestDirPersister_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	p := NewDirPersister(dir)
	ctx := context.Background()

	first, err := p.Save(ctx, []byte("one"), "list.xlsx")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if first != filepath.Join(dir, "list.xlsx") {
		t.Errorf("Save() = %q", first)
	}

	second, err := p.Save(ctx, []byte("two"), "list.xlsx")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if second != filepath.Join(dir, "list_1.xlsx") {
		t.Errorf("Save() second = %q, want list_1.xlsx", second)
	}

	data, err := os.ReadFile(first)
	if err != nil || string(data) != "one" {
		t.Errorf("first file = %q, %v; want one", data, err)
	}
}

func TestDirPersister_SanitizesName(t *testing.T) {
	dir := t.TempDir()
	p := NewDirPersister(dir)

	got, err := p.Save(context.Background(), []byte("x"), "../../escape.csv")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got != filepath.Join(dir, "escape.csv") {
		t.Errorf("Save() = %q, want file inside %s", got, dir)
	}
}

func TestDirPersister_Error(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	p := NewDirPersister(filepath.Join(blocker, "sub"))
	_, err := p.Save(context.Background(), []byte("x"), "a.csv")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("Save() error = %v, want *TransportError", err)
	}
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Persister_Save(t *testing.T) {
	putter := &fakePutter{}
	p := NewS3Persister(putter, "results", "/batches/")

	got, err := p.Save(context.Background(), []byte("a,b\n"), "list_20250101000000.csv")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got != "s3://results/batches/list_20250101000000.csv" {
		t.Errorf("Save() = %q", got)
	}
	if aws.ToString(putter.input.Bucket) != "results" || aws.ToString(putter.input.Key) != "batches/list_20250101000000.csv" {
		t.Errorf("PutObject input = %s/%s", aws.ToString(putter.input.Bucket), aws.ToString(putter.input.Key))
	}
	if string(putter.body) != "a,b\n" {
		t.Errorf("uploaded body = %q", putter.body)
	}
	if aws.ToInt64(putter.input.ContentLength) != 4 {
		t.Errorf("content length = %d, want 4", aws.ToInt64(putter.input.ContentLength))
	}
}

func TestS3Persister_Error(t *testing.T) {
	p := NewS3Persister(&fakePutter{err: errors.New("access denied")}, "results", "")

	_, err := p.Save(context.Background(), []byte("x"), "a.xlsx")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Save() error = %v, want *TransportError", err)
	}
	if transportErr.Target != "s3://results/a.xlsx" {
		t.Errorf("TransportError.Target = %q", transportErr.Target)
	}
}

func TestNewS3Client(t *testing.T) {
	client := NewS3Client(S3Options{
		Endpoint:  "http://localhost:9000",
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
		PathStyle: true,
	})
	o := client.Options()
	if aws.ToString(o.BaseEndpoint) != "http://localhost:9000" || !o.UsePathStyle || o.Region != "us-east-1" {
		t.Errorf("client options = endpoint %q path style %v region %q", aws.ToString(o.BaseEndpoint), o.UsePathStyle, o.Region)
	}
}
