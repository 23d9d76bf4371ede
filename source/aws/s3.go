package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
	"golang.org/x/sync/errgroup"
)

// TypeS3 is the source type identifier for S3 sources.
const TypeS3 types.SourceType = "s3"

// DefaultS3Concurrency is the default number of concurrent GetObject calls
// issued by FetchMany.
const DefaultS3Concurrency = 8

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Source reads key-values from objects in an S3 bucket.
// A key maps to the object root+key and the version tag is the object ETag.
// S3 has no labels: only the null label is supported.
type S3Source struct {
	bucket      string
	root        string
	concurrency int
	cfg         clientConfig

	clientInit    sync.Once
	client        S3API
	clientInitErr error
}

// Ensure S3Source implements the source.Source interface.
var _ source.Source = (*S3Source)(nil)

// S3Option configures an S3Source.
// It implements the Option interface.
type S3Option func(*S3Source)

// awsSourceOption implements the Option interface.
func (S3Option) awsSourceOption() {}

// WithS3Client sets the S3 client.
// This overrides WithAWSConfig for the S3 client.
func WithS3Client(client S3API) S3Option {
	return func(s *S3Source) {
		s.client = client
	}
}

// WithKeyRoot sets the object key prefix prepended to every key.
func WithKeyRoot(root string) S3Option {
	return func(s *S3Source) {
		s.root = root
	}
}

// WithConcurrency limits concurrent object reads in FetchMany.
// Values below 1 are ignored.
func WithConcurrency(n int) S3Option {
	return func(s *S3Source) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewS3Source creates an S3 source for the given bucket.
//
// Example:
//
//	src := aws.NewS3Source("my-bucket", aws.WithKeyRoot("settings/"))
//	src := aws.NewS3Source("my-bucket", aws.WithAWSConfig(cfg))
func NewS3Source(bucket string, opts ...Option) *S3Source {
	s := &S3Source{
		bucket:      bucket,
		concurrency: DefaultS3Concurrency,
	}
	for _, opt := range opts {
		switch o := opt.(type) {
		case ClientOption:
			o(&s.cfg)
		case S3Option:
			o(s)
		}
	}
	return s
}

// Type returns the source type identifier.
func (s *S3Source) Type() types.SourceType {
	return TypeS3
}

// Bucket returns the S3 bucket name.
func (s *S3Source) Bucket() string {
	return s.bucket
}

func (s *S3Source) ensureClient(ctx context.Context) (S3API, error) {
	s.clientInit.Do(func() {
		if s.client != nil {
			return
		}
		cfg, err := loadAWSConfig(ctx, &s.cfg)
		if err != nil {
			s.clientInitErr = err
			return
		}
		s.client = s3.NewFromConfig(cfg)
	})
	return s.client, s.clientInitErr
}

func checkNullLabel(label types.Label) error {
	if !label.IsNull() {
		return fmt.Errorf("%w: label %v", source.ErrUnsupported, label)
	}
	return nil
}

// FetchOne implements the source.Source interface.
func (s *S3Source) FetchOne(ctx context.Context, key string, label types.Label) (*types.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNullLabel(label); err != nil {
		return nil, err
	}
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	return s.getObject(ctx, client, key)
}

func (s *S3Source) getObject(ctx context.Context, client S3API, key string) (*types.KeyValue, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.root + key),
	})
	if err != nil {
		if isObjectNotFound(err) {
			return nil, nil
		}
		return nil, mapError("GetObject", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", s.root+key, err)
	}
	value := string(data)
	return &types.KeyValue{
		Key:        key,
		Label:      types.NullLabel,
		Value:      &value,
		VersionTag: aws.ToString(out.ETag),
	}, nil
}

func isObjectNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

// FetchMany implements the source.Source interface.
// Objects are listed with ListObjectsV2. Values are read only when requested,
// one page at a time with bounded concurrency, and yielded in listing order.
func (s *S3Source) FetchMany(ctx context.Context, filter source.Filter) iter.Seq2[types.KeyValue, error] {
	return func(yield func(types.KeyValue, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(types.KeyValue{}, err)
			return
		}
		if err := checkNullLabel(filter.Label); err != nil {
			yield(types.KeyValue{}, err)
			return
		}
		client, err := s.ensureClient(ctx)
		if err != nil {
			yield(types.KeyValue{}, err)
			return
		}

		wantValue := filter.WantFields().Has(source.FieldValue)
		paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.root + filter.KeyPrefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(types.KeyValue{}, mapError("ListObjectsV2", err))
				return
			}

			kvs := make([]types.KeyValue, 0, len(page.Contents))
			for _, obj := range page.Contents {
				key := strings.TrimPrefix(aws.ToString(obj.Key), s.root)
				if key == "" || strings.HasSuffix(key, "/") {
					continue
				}
				kvs = append(kvs, types.KeyValue{
					Key:        key,
					Label:      types.NullLabel,
					VersionTag: aws.ToString(obj.ETag),
				})
			}

			if wantValue {
				kvs, err = s.readValues(ctx, client, kvs)
				if err != nil {
					yield(types.KeyValue{}, err)
					return
				}
			}
			for _, kv := range kvs {
				if !yield(kv, nil) {
					return
				}
			}
		}
	}
}

// readValues fetches the objects of kvs concurrently. Objects deleted
// after listing are dropped.
func (s *S3Source) readValues(ctx context.Context, client S3API, kvs []types.KeyValue) ([]types.KeyValue, error) {
	fetched := make([]*types.KeyValue, len(kvs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, kv := range kvs {
		g.Go(func() error {
			got, err := s.getObject(gctx, client, kv.Key)
			if err != nil {
				return err
			}
			fetched[i] = got
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := kvs[:0]
	for _, kv := range fetched {
		if kv != nil {
			out = append(out, *kv)
		}
	}
	return out, nil
}
