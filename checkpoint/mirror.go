package checkpoint

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror copies a saved checkpoint file to remote storage.
type Mirror interface {
	Upload(ctx context.Context, localPath string) error
	Target() string
}

// Location is a parsed mirror URL.
type Location struct {
	Scheme   string // "s3" or "minio"
	Endpoint string // minio only
	Bucket   string
	Prefix   string
}

// Key returns the object key for a local file name.
func (l Location) Key(localPath string) string {
	name := filepath.Base(localPath)
	if l.Prefix == "" {
		return name
	}
	return path.Join(l.Prefix, name)
}

// String renders the location back as a URL.
func (l Location) String() string {
	switch l.Scheme {
	case "minio":
		return "minio://" + path.Join(l.Endpoint, l.Bucket, l.Prefix)
	default:
		return "s3://" + path.Join(l.Bucket, l.Prefix)
	}
}

// ParseLocation reads s3://bucket/prefix or minio://host:port/bucket/prefix.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid mirror url %q: %w", raw, err)
	}
	rest := strings.Trim(u.Path, "/")
	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("mirror url %q has no bucket", raw)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Prefix: rest}, nil
	case "minio":
		if u.Host == "" {
			return Location{}, fmt.Errorf("mirror url %q has no endpoint", raw)
		}
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("mirror url %q has no bucket", raw)
		}
		return Location{Scheme: "minio", Endpoint: u.Host, Bucket: bucket, Prefix: prefix}, nil
	default:
		return Location{}, fmt.Errorf("unsupported mirror scheme %q (want s3 or minio)", u.Scheme)
	}
}

// NewMirror builds the mirror a URL names. MinIO credentials come from
// MINIO_ACCESS_KEY and MINIO_SECRET_KEY; set MINIO_SECURE=false for plain
// HTTP. S3 uses the default AWS credential chain.
func NewMirror(ctx context.Context, raw string) (Mirror, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "minio":
		client, err := minio.New(loc.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
			Secure: os.Getenv("MINIO_SECURE") != "false",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return NewMinioMirror(client, loc), nil
	default:
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return NewS3Mirror(s3.NewFromConfig(cfg), loc), nil
	}
}

// S3Mirror uploads checkpoints to Amazon S3 with the multipart uploader.
type S3Mirror struct {
	uploader *manager.Uploader
	loc      Location
}

// NewS3Mirror creates an S3 mirror on an existing client.
func NewS3Mirror(client *s3.Client, loc Location) *S3Mirror {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
	})
	return &S3Mirror{uploader: uploader, loc: loc}
}

// Target implements Mirror.
func (m *S3Mirror) Target() string { return m.loc.String() }

// Upload implements Mirror.
func (m *S3Mirror) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.loc.Bucket),
		Key:    aws.String(m.loc.Key(localPath)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload of %s: %w", localPath, err)
	}
	return nil
}

// MinioMirror uploads checkpoints to a MinIO server.
type MinioMirror struct {
	client *minio.Client
	loc    Location
}

// NewMinioMirror creates a MinIO mirror on an existing client.
func NewMinioMirror(client *minio.Client, loc Location) *MinioMirror {
	return &MinioMirror{client: client, loc: loc}
}

// Target implements Mirror.
func (m *MinioMirror) Target() string { return m.loc.String() }

// Upload implements Mirror.
func (m *MinioMirror) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.loc.Bucket, m.loc.Key(localPath), f, info.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("minio upload of %s: %w", localPath, err)
	}
	return nil
}
