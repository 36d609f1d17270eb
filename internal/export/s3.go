package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/infracollect/archivist/internal/engine"
)

// S3Uploader is the part of the s3 upload manager used by S3, mocked in tests.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
}

// S3 uploads exported archives and entries to S3-compatible object storage. Entry names
// become object keys below the prefix and the original entry name is kept in the object
// metadata.
type S3 struct {
	bucket   string
	prefix   string
	uploader S3Uploader
}

// entryMetadataKey holds the archive entry name an object was exported from.
const entryMetadataKey = "archivist-entry"

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for bucket %s: %w", cfg.Bucket, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// R2, MinIO and other S3-compatible services
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewS3WithUploader(cfg.Bucket, cfg.Prefix, manager.NewUploader(client)), nil
}

func NewS3WithUploader(bucket, prefix string, uploader S3Uploader) *S3 {
	return &S3{bucket: bucket, prefix: engine.CleanName(prefix), uploader: uploader}
}

func (s *S3) Name() string {
	if s.prefix != "" {
		return fmt.Sprintf("s3(%s/%s)", s.bucket, s.prefix)
	}
	return fmt.Sprintf("s3(%s)", s.bucket)
}

func (s *S3) Kind() string {
	return "s3"
}

// Key returns the object key of an exported entry or archive name. Names escaping the
// prefix are refused.
func (s *S3) Key(name string) (string, error) {
	clean := engine.CleanName(name)
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("cannot export %q to s3://%s: not a valid entry name", name, s.bucket)
	}
	if s.prefix == "" {
		return clean, nil
	}
	return s.prefix + "/" + clean, nil
}

func (s *S3) Write(ctx context.Context, name string, data io.Reader) error {
	key, err := s.Key(name)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     data,
		Metadata: map[string]string{entryMetadataKey: engine.CleanName(name)},
	}
	if ct := ContentType(name); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3) Close(ctx context.Context) error {
	return nil
}

// contentTypes maps archive formats, and the few text formats entries commonly have, to
// their media types.
var contentTypes = map[string]string{
	"zip":     "application/zip",
	"jar":     "application/java-archive",
	"war":     "application/java-archive",
	"ear":     "application/java-archive",
	"tar":     "application/x-tar",
	"gz":      "application/gzip",
	"gzip":    "application/gzip",
	"tgz":     "application/gzip",
	"tar.gz":  "application/gzip",
	"zst":     "application/zstd",
	"zstd":    "application/zstd",
	"tzst":    "application/zstd",
	"tar.zst": "application/zstd",
	"bz2":     "application/x-bzip2",
	"tbz":     "application/x-bzip2",
	"tbz2":    "application/x-bzip2",
	"tar.bz2": "application/x-bzip2",
	"xz":      "application/x-xz",
	"txz":     "application/x-xz",
	"tar.xz":  "application/x-xz",
	"7z":      "application/x-7z-compressed",
	"rar":     "application/vnd.rar",
	"json":    "application/json",
	"yaml":    "application/x-yaml",
	"yml":     "application/x-yaml",
	"txt":     "text/plain",
}

// ContentType returns the media type of the longest known format of name, or "".
func ContentType(name string) string {
	for _, ext := range engine.FileExtensions(name) {
		if ct, ok := contentTypes[ext]; ok {
			return ct
		}
	}
	return ""
}
