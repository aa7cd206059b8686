package remote

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type (
	S3Config struct {
		Bucket       string `yaml:"bucket" env:"REMOTE_S3_BUCKET"`
		Region       string `yaml:"region" env:"REMOTE_S3_REGION" env-default:"us-east-1"`
		Endpoint     string `yaml:"endpoint" env:"REMOTE_S3_ENDPOINT"`
		AccessKey    string `yaml:"access_key" env:"REMOTE_S3_ACCESS_KEY"`
		SecretKey    string `yaml:"secret_key" env:"REMOTE_S3_SECRET_KEY"`
		UsePathStyle bool   `yaml:"use_path_style" env:"REMOTE_S3_USE_PATH_STYLE" env-default:"false"`
	}

	// BlobResult describes the outcome of a blob upload. An upload which
	// reached the remote but was refused is reported with Success=false
	// rather than an error.
	BlobResult struct {
		Success bool
		Data    map[string]string
	}

	objectPutter interface {
		PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	}

	// BlobStore uploads local files to an S3 compatible bucket.
	BlobStore struct {
		bucket string
		client objectPutter
	}
)

func NewBlobStore(ctx context.Context, config S3Config) (*BlobStore, error) {
	if config.Bucket == "" {
		return nil, errors.New("blob store requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKey != "" && config.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})

	return &BlobStore{bucket: config.Bucket, client: client}, nil
}

// PutBlob uploads the file at path under the key given. Keys are derived from
// content hashes, so repeating an upload overwrites the object with identical bytes.
func (store *BlobStore) PutBlob(ctx context.Context, key string, path string) (*BlobResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob %s: %w", path, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(store.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
	}
	if contentType := mime.TypeByExtension(filepath.Ext(path)); contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := store.client.PutObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob %s: %w", key, err)
	}

	data := map[string]string{"bucket": store.bucket, "key": key}
	if out.ETag != nil {
		data["etag"] = *out.ETag
	}

	return &BlobResult{Success: true, Data: data}, nil
}
