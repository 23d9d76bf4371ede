package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"iter"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	kvstypes "github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore/types"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
)

// TypeKeyValueStore is the source type identifier for CloudFront KeyValueStore sources.
const TypeKeyValueStore types.SourceType = "cloudfront-kvs"

// KVSAPI is the subset of the CloudFront KeyValueStore client used by KeyValueStoreSource.
type KVSAPI interface {
	GetKey(ctx context.Context, params *cloudfrontkeyvaluestore.GetKeyInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.GetKeyOutput, error)
	ListKeys(ctx context.Context, params *cloudfrontkeyvaluestore.ListKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.ListKeysOutput, error)
}

// KeyValueStoreSource reads key-values from a CloudFront KeyValueStore.
// The store keeps no per-key version, so the version tag is the SHA-256 of
// the value. Only the null label is supported.
type KeyValueStoreSource struct {
	arn string
	cfg clientConfig

	clientInit    sync.Once
	client        KVSAPI
	clientInitErr error
}

// Ensure KeyValueStoreSource implements the source.Source interface.
var _ source.Source = (*KeyValueStoreSource)(nil)

// KVSOption configures a KeyValueStoreSource.
// It implements the Option interface.
type KVSOption func(*KeyValueStoreSource)

// awsSourceOption implements the Option interface.
func (KVSOption) awsSourceOption() {}

// WithKVSClient sets the CloudFront KeyValueStore client.
func WithKVSClient(client KVSAPI) KVSOption {
	return func(s *KeyValueStoreSource) {
		s.client = client
	}
}

// NewKeyValueStoreSource creates a source for the KeyValueStore with the given ARN.
//
// Example:
//
//	src := aws.NewKeyValueStoreSource("arn:aws:cloudfront::123456789012:key-value-store/abc")
func NewKeyValueStoreSource(arn string, opts ...Option) *KeyValueStoreSource {
	s := &KeyValueStoreSource{arn: arn}
	for _, opt := range opts {
		switch o := opt.(type) {
		case ClientOption:
			o(&s.cfg)
		case KVSOption:
			o(s)
		}
	}
	return s
}

// Type returns the source type identifier.
func (s *KeyValueStoreSource) Type() types.SourceType {
	return TypeKeyValueStore
}

// ARN returns the KeyValueStore ARN.
func (s *KeyValueStoreSource) ARN() string {
	return s.arn
}

func (s *KeyValueStoreSource) ensureClient(ctx context.Context) (KVSAPI, error) {
	s.clientInit.Do(func() {
		if s.client != nil {
			return
		}
		cfg, err := loadAWSConfig(ctx, &s.cfg)
		if err != nil {
			s.clientInitErr = err
			return
		}
		s.client = cloudfrontkeyvaluestore.NewFromConfig(cfg)
	})
	return s.client, s.clientInitErr
}

// FetchOne implements the source.Source interface.
func (s *KeyValueStoreSource) FetchOne(ctx context.Context, key string, label types.Label) (*types.KeyValue, error) {
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

	out, err := client.GetKey(ctx, &cloudfrontkeyvaluestore.GetKeyInput{
		KvsARN: aws.String(s.arn),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *kvstypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, mapError("GetKey", err)
	}

	kv := kvsKeyValue(key, out.Value)
	return &kv, nil
}

// FetchMany implements the source.Source interface.
// ListKeys always returns values; they are dropped when not requested.
func (s *KeyValueStoreSource) FetchMany(ctx context.Context, filter source.Filter) iter.Seq2[types.KeyValue, error] {
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
		var nextToken *string
		for {
			out, err := client.ListKeys(ctx, &cloudfrontkeyvaluestore.ListKeysInput{
				KvsARN:    aws.String(s.arn),
				NextToken: nextToken,
			})
			if err != nil {
				yield(types.KeyValue{}, mapError("ListKeys", err))
				return
			}
			for _, item := range out.Items {
				key := aws.ToString(item.Key)
				if !strings.HasPrefix(key, filter.KeyPrefix) {
					continue
				}
				kv := kvsKeyValue(key, item.Value)
				if !wantValue {
					kv.Value = nil
				}
				if !yield(kv, nil) {
					return
				}
			}
			nextToken = out.NextToken
			if nextToken == nil {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(types.KeyValue{}, err)
				return
			}
		}
	}
}

func kvsKeyValue(key string, value *string) types.KeyValue {
	v := aws.ToString(value)
	sum := sha256.Sum256([]byte(v))
	return types.KeyValue{
		Key:        key,
		Label:      types.NullLabel,
		Value:      &v,
		VersionTag: hex.EncodeToString(sum[:]),
	}
}
