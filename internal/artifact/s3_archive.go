package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const bucketCheckTimeout = 30 * time.Second

// Archive stores finished artifacts outside the ephemeral workspace.
type Archive interface {
	Put(ctx context.Context, sessionID, name string, content []byte) (string, error)
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Archive uploads artifacts to an S3-compatible bucket (MinIO locally).
type S3Archive struct {
	client     *minio.Client
	bucketName string
	region     string

	mu    sync.Mutex
	ready bool
}

func NewS3Archive(cfg S3Config) (*S3Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Archive{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

// ensureBucket creates the bucket on first use. A failed check is retried
// by the next upload and does not stop when the caller's context does.
func (s *S3Archive) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bucketCheckTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return err
		}
	}
	s.ready = true
	return nil
}

// Put uploads content and returns the object key.
func (s *S3Archive) Put(ctx context.Context, sessionID, name string, content []byte) (string, error) {
	key, err := ObjectKey(sessionID, name)
	if err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/wasm",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey is the bucket key for a session's artifact.
func ObjectKey(sessionID, name string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	name = path.Base(strings.TrimSpace(name))
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("artifact name is required")
	}
	return path.Join("builds", sessionID, name), nil
}
