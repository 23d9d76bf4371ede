package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
)

// TypeParameterStore is the source type identifier for SSM Parameter Store sources.
const TypeParameterStore types.SourceType = "parameter-store"

// SSMAPI is the subset of the SSM client used by ParameterStoreSource.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// ParameterStoreSource reads key-values from AWS Systems Manager Parameter Store.
//
// A key maps to the parameter named root+key. The null label selects the
// latest version; other labels select the version carrying that parameter
// label. Parameter Store has no empty label, so LabelOf("") is rejected with
// source.ErrUnsupported. The version tag is the parameter version.
type ParameterStoreSource struct {
	root        string
	withDecrypt bool
	cfg         clientConfig

	clientInit    sync.Once
	client        SSMAPI
	clientInitErr error
}

// Ensure ParameterStoreSource implements the source.Source interface.
var _ source.Source = (*ParameterStoreSource)(nil)

// ParameterStoreOption configures a ParameterStoreSource.
// It implements the Option interface.
type ParameterStoreOption func(*ParameterStoreSource)

// awsSourceOption implements the Option interface.
func (ParameterStoreOption) awsSourceOption() {}

// WithParameterStoreClient sets the SSM client.
// This overrides WithAWSConfig for the SSM client.
func WithParameterStoreClient(client SSMAPI) ParameterStoreOption {
	return func(s *ParameterStoreSource) {
		s.client = client
	}
}

// WithDecryption enables decryption for SecureString parameters.
// Default is false.
func WithDecryption(decrypt bool) ParameterStoreOption {
	return func(s *ParameterStoreSource) {
		s.withDecrypt = decrypt
	}
}

// WithPathRoot sets the name prefix prepended to every key, e.g. "/myapp/".
func WithPathRoot(root string) ParameterStoreOption {
	return func(s *ParameterStoreSource) {
		s.root = root
	}
}

// NewParameterStoreSource creates an SSM Parameter Store source.
//
// Example:
//
//	src := aws.NewParameterStoreSource(aws.WithPathRoot("/app/"))
//	src := aws.NewParameterStoreSource(aws.WithPathRoot("/app/"), aws.WithDecryption(true))
//	src := aws.NewParameterStoreSource(aws.WithRegion("us-west-2"))
func NewParameterStoreSource(opts ...Option) *ParameterStoreSource {
	s := &ParameterStoreSource{}
	for _, opt := range opts {
		switch o := opt.(type) {
		case ClientOption:
			o(&s.cfg)
		case ParameterStoreOption:
			o(s)
		}
	}
	return s
}

// Type returns the source type identifier.
func (s *ParameterStoreSource) Type() types.SourceType {
	return TypeParameterStore
}

// Root returns the parameter name prefix.
func (s *ParameterStoreSource) Root() string {
	return s.root
}

func (s *ParameterStoreSource) ensureClient(ctx context.Context) (SSMAPI, error) {
	s.clientInit.Do(func() {
		if s.client != nil {
			return
		}
		cfg, err := loadAWSConfig(ctx, &s.cfg)
		if err != nil {
			s.clientInitErr = err
			return
		}
		s.client = ssm.NewFromConfig(cfg)
	})
	return s.client, s.clientInitErr
}

func checkParameterLabel(label types.Label) error {
	if name, ok := label.Name(); ok && name == "" {
		return fmt.Errorf("%w: parameter store has no empty label", source.ErrUnsupported)
	}
	return nil
}

// FetchOne implements the source.Source interface.
func (s *ParameterStoreSource) FetchOne(ctx context.Context, key string, label types.Label) (*types.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkParameterLabel(label); err != nil {
		return nil, err
	}
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	selector := s.root + key
	if name, ok := label.Name(); ok {
		selector += ":" + name
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(selector),
		WithDecryption: aws.Bool(s.withDecrypt),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		var versionNotFound *ssmtypes.ParameterVersionNotFound
		if errors.As(err, &notFound) || errors.As(err, &versionNotFound) {
			return nil, nil
		}
		return nil, mapError("GetParameter", err)
	}
	if out.Parameter == nil {
		return nil, nil
	}

	kv := s.keyValue(*out.Parameter, label)
	return &kv, nil
}

// FetchMany implements the source.Source interface.
// Parameters are listed recursively below the deepest path that contains
// root+KeyPrefix and filtered by name on the client side.
func (s *ParameterStoreSource) FetchMany(ctx context.Context, filter source.Filter) iter.Seq2[types.KeyValue, error] {
	return func(yield func(types.KeyValue, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(types.KeyValue{}, err)
			return
		}
		if err := checkParameterLabel(filter.Label); err != nil {
			yield(types.KeyValue{}, err)
			return
		}
		client, err := s.ensureClient(ctx)
		if err != nil {
			yield(types.KeyValue{}, err)
			return
		}

		namePrefix := s.root + filter.KeyPrefix
		input := &ssm.GetParametersByPathInput{
			Path:           aws.String(parameterPath(namePrefix)),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(s.withDecrypt),
		}
		if name, ok := filter.Label.Name(); ok {
			input.ParameterFilters = []ssmtypes.ParameterStringFilter{{
				Key:    aws.String("Label"),
				Option: aws.String("Equals"),
				Values: []string{name},
			}}
		}

		wantValue := filter.WantFields().Has(source.FieldValue)
		paginator := ssm.NewGetParametersByPathPaginator(client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(types.KeyValue{}, mapError("GetParametersByPath", err))
				return
			}
			for _, p := range page.Parameters {
				name := aws.ToString(p.Name)
				if !strings.HasPrefix(name, namePrefix) || name == s.root {
					continue
				}
				kv := s.keyValue(p, filter.Label)
				if !wantValue {
					kv.Value = nil
				}
				if !yield(kv, nil) {
					return
				}
			}
		}
	}
}

func (s *ParameterStoreSource) keyValue(p ssmtypes.Parameter, label types.Label) types.KeyValue {
	return types.KeyValue{
		Key:        strings.TrimPrefix(aws.ToString(p.Name), s.root),
		Label:      label,
		Value:      p.Value,
		VersionTag: strconv.FormatInt(p.Version, 10),
	}
}

// parameterPath returns the hierarchy path that contains every parameter
// whose name starts with namePrefix.
func parameterPath(namePrefix string) string {
	i := strings.LastIndex(namePrefix, "/")
	if i <= 0 || !strings.HasPrefix(namePrefix, "/") {
		return "/"
	}
	return namePrefix[:i]
}
