// Package staging uploads prepared media to S3-compatible object storage so
// that Graph-style platform APIs can fetch it by public URL, and deletes it
// again once every destination has resolved.
package staging

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	logx "postpilot/pkg/logx"
)

type Config struct {
	Endpoint  string // S3-compatible endpoint (e.g. an R2 account endpoint)
	Region    string // "auto" for R2
	Bucket    string
	AccessKey string
	SecretKey string
	// PublicBaseURL is the public prefix objects are reachable under.
	PublicBaseURL string
}

func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Client stages local media files in object storage.
type Client struct {
	cfg Config
	s3  *s3.Client
	log logx.Logger
}

func New(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("staging credentials are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load staging credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Client{cfg: cfg, s3: client, log: log}, nil
}

// Upload puts the local file under key and returns its public URL.
func (c *Client) Upload(ctx context.Context, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", key, err)
	}

	url := strings.TrimRight(c.cfg.PublicBaseURL, "/") + "/" + key
	c.log.Debug("media staged", logx.String("key", key), logx.String("url", url))
	return url, nil
}

// Delete removes a staged object. Deleting an already-deleted object is not
// an error; cleanup must stay idempotent across crash-retry.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil
	}
	return err
}

// KeyFor derives the object key for an artifact id and media path.
func KeyFor(id, path string) string {
	return "staged/" + id + filepath.Ext(path)
}
