package aws

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	kvstypes "github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// fakePageSize is small so that tests exercise pagination.
const fakePageSize = 2

// pageToken returns the next-page token for a listing of n items starting at start.
func pageToken(start, n int) *string {
	if start+fakePageSize >= n {
		return nil
	}
	return aws.String(strconv.Itoa(start + fakePageSize))
}

func pageStart(token *string) int {
	if token == nil {
		return 0
	}
	n, _ := strconv.Atoi(*token)
	return n
}

// fakeSSM is an in-memory Parameter Store. Parameters have a latest
// version and optional labeled versions.
type fakeSSM struct {
	mu       sync.Mutex
	latest   map[string]ssmtypes.Parameter
	labeled  map[string]map[string]ssmtypes.Parameter
	versions map[string]int64
	err      error

	getInputs  []ssm.GetParameterInput
	pathInputs []ssm.GetParametersByPathInput
}

func newFakeSSM() *fakeSSM {
	return &fakeSSM{
		latest:   make(map[string]ssmtypes.Parameter),
		labeled:  make(map[string]map[string]ssmtypes.Parameter),
		versions: make(map[string]int64),
	}
}

// put stores a new version of name. Non-empty labels move to the new version.
func (f *fakeSSM) put(name, value string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.versions[name]++
	p := ssmtypes.Parameter{
		Name:    aws.String(name),
		Value:   aws.String(value),
		Version: f.versions[name],
	}
	if len(labels) == 0 {
		f.latest[name] = p
		return
	}
	if f.labeled[name] == nil {
		f.labeled[name] = make(map[string]ssmtypes.Parameter)
	}
	for _, label := range labels {
		lp := p
		lp.Selector = aws.String(":" + label)
		f.labeled[name][label] = lp
	}
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getInputs = append(f.getInputs, *in)
	if f.err != nil {
		return nil, f.err
	}

	name, label, hasLabel := strings.Cut(aws.ToString(in.Name), ":")
	if !hasLabel {
		p, ok := f.latest[name]
		if !ok {
			return nil, &ssmtypes.ParameterNotFound{Message: aws.String(name)}
		}
		return &ssm.GetParameterOutput{Parameter: &p}, nil
	}
	p, ok := f.labeled[name][label]
	if !ok {
		return nil, &ssmtypes.ParameterVersionNotFound{Message: aws.String(name)}
	}
	return &ssm.GetParameterOutput{Parameter: &p}, nil
}

func (f *fakeSSM) GetParametersByPath(_ context.Context, in *ssm.GetParametersByPathInput, _ ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pathInputs = append(f.pathInputs, *in)
	if f.err != nil {
		return nil, f.err
	}

	label := ""
	for _, pf := range in.ParameterFilters {
		if aws.ToString(pf.Key) == "Label" && len(pf.Values) > 0 {
			label = pf.Values[0]
		}
	}

	path := aws.ToString(in.Path)
	var matched []ssmtypes.Parameter
	add := func(name string, p ssmtypes.Parameter) {
		if path == "/" || strings.HasPrefix(name, path+"/") {
			matched = append(matched, p)
		}
	}
	if label == "" {
		for name, p := range f.latest {
			add(name, p)
		}
	} else {
		for name, byLabel := range f.labeled {
			if p, ok := byLabel[label]; ok {
				add(name, p)
			}
		}
	}
	slices.SortFunc(matched, func(a, b ssmtypes.Parameter) int {
		return strings.Compare(aws.ToString(a.Name), aws.ToString(b.Name))
	})

	start := pageStart(in.NextToken)
	end := min(start+fakePageSize, len(matched))
	return &ssm.GetParametersByPathOutput{
		Parameters: matched[start:end],
		NextToken:  pageToken(start, len(matched)),
	}, nil
}

type fakeObject struct {
	body string
	etag string
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	listErr error
	getErr  error
	gets    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) put(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := sha256.Sum256([]byte(body))
	f.objects[key] = fakeObject{body: body, etag: fmt.Sprintf("%q", fmt.Sprintf("%x", sum[:8]))}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: in.Key}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader(obj.body)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	start := pageStart(in.ContinuationToken)
	end := min(start+fakePageSize, len(keys))
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(key),
			ETag: aws.String(f.objects[key].etag),
		})
	}
	out.NextContinuationToken = pageToken(start, len(keys))
	out.IsTruncated = aws.Bool(out.NextContinuationToken != nil)
	return out, nil
}

// fakeKVS is an in-memory CloudFront KeyValueStore.
type fakeKVS struct {
	mu    sync.Mutex
	items map[string]string
	err   error
	lists int
}

func newFakeKVS() *fakeKVS {
	return &fakeKVS{items: make(map[string]string)}
}

func (f *fakeKVS) put(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = value
}

func (f *fakeKVS) GetKey(_ context.Context, in *cloudfrontkeyvaluestore.GetKeyInput, _ ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.GetKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	v, ok := f.items[aws.ToString(in.Key)]
	if !ok {
		return nil, &kvstypes.ResourceNotFoundException{Message: in.Key}
	}
	return &cloudfrontkeyvaluestore.GetKeyOutput{Key: in.Key, Value: aws.String(v)}, nil
}

func (f *fakeKVS) ListKeys(_ context.Context, in *cloudfrontkeyvaluestore.ListKeysInput, _ ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.ListKeysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.err != nil {
		return nil, f.err
	}

	keys := make([]string, 0, len(f.items))
	for key := range f.items {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	start := pageStart(in.NextToken)
	end := min(start+fakePageSize, len(keys))
	out := &cloudfrontkeyvaluestore.ListKeysOutput{NextToken: pageToken(start, len(keys))}
	for _, key := range keys[start:end] {
		out.Items = append(out.Items, kvstypes.ListKeysResponseListItem{
			Key:   aws.String(key),
			Value: aws.String(f.items[key]),
		})
	}
	return out, nil
}
