// Package s3blob ships ledger backups to S3-compatible object storage (AWS,
// MinIO, R2) with AWS SDK v2 and serves them back as a last-resort restore
// source.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/BB13/algobot-public/internal/domain"
)

// minPartSize is the S3 lower bound for multipart parts.
const minPartSize int64 = 5 << 20

// Config holds the bucket settings. Endpoint is empty for AWS and set for
// compatible providers; a bare host gets https.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	// SSE is the server-side encryption applied to uploads ("AES256",
	// "aws:kms"); empty leaves the bucket default.
	SSE string
	// StorageClass for uploads, e.g. "STANDARD_IA"; empty means STANDARD.
	StorageClass string
}

// Bucket is one S3 bucket. It implements domain.BlobReader and
// domain.BlobWriter and deletes objects for the archiver's remote pruning.
type Bucket struct {
	api  *s3.Client
	name string
	sse  types.ServerSideEncryption
	sc   types.StorageClass
}

// Open builds a Bucket. Static credentials are used when an access key is
// set; otherwise the default AWS credential chain applies.
func Open(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3blob: region is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := cfg.Endpoint; ep != "" {
			if !strings.Contains(ep, "://") {
				ep = "https://" + ep
			}
			o.BaseEndpoint = aws.String(ep)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Bucket{
		api:  api,
		name: cfg.Bucket,
		sse:  types.ServerSideEncryption(cfg.SSE),
		sc:   types.StorageClass(cfg.StorageClass),
	}, nil
}

// Health issues HeadBucket.
func (b *Bucket) Health(ctx context.Context) error {
	if _, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", b.name, err)
	}
	return nil
}

func (b *Bucket) putInput(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(path),
		Body:   data,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if b.sse != "" {
		in.ServerSideEncryption = b.sse
	}
	if b.sc != "" {
		in.StorageClass = b.sc
	}
	return in
}

// Put uploads data with one PutObject. Ledger documents are small, so this
// is the normal path.
func (b *Bucket) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if _, err := b.api.PutObject(ctx, b.putInput(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart uploads through the transfer manager with parts of at least
// 5 MiB. The archiver uses it for backups over that size.
func (b *Bucket) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	up := manager.NewUploader(b.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := up.Upload(ctx, b.putInput(path, data, "application/json")); err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", path, err)
	}
	return nil
}

// Get opens the object at path; a missing object is domain.ErrNotFound.
func (b *Bucket) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, notFound(err))
	}
	return out.Body, nil
}

// List returns every object under prefix.
func (b *Bucket) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	pages := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, domain.BlobInfo{
				Path:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

// Exists issues HeadObject.
func (b *Bucket) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(path),
	})
	if err == nil {
		return true, nil
	}
	if err = notFound(err); errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("s3blob: head %s: %w", path, err)
}

// Delete removes the object at path.
func (b *Bucket) Delete(ctx context.Context, path string) error {
	if _, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(path),
	}); err != nil {
		return fmt.Errorf("s3blob: delete %s: %w", path, err)
	}
	return nil
}

// notFound maps NoSuchKey, NotFound and bare 404 responses onto
// domain.ErrNotFound and returns any other error unchanged.
func notFound(err error) error {
	var (
		nsk  *types.NoSuchKey
		nf   *types.NotFound
		resp *smithyhttp.ResponseError
	)
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf):
		return domain.ErrNotFound
	case errors.As(err, &resp) && resp.HTTPStatusCode() == http.StatusNotFound:
		return domain.ErrNotFound
	}
	return err
}

var (
	_ domain.BlobReader = (*Bucket)(nil)
	_ domain.BlobWriter = (*Bucket)(nil)
	_ BlobDeleter       = (*Bucket)(nil)
)
