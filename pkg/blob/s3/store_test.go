package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/cache"
)

// fakeClient keeps objects in a map and mimics the S3 error surface the
// driver cares about.
type fakeClient struct {
	objects map[string]fakeObject
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string]fakeObject)}
}

func notModifiedError() error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{
				Response: &http.Response{StatusCode: http.StatusNotModified},
			},
			Err: errors.New("not modified"),
		},
	}
}

func (f *fakeClient) PutObject(ctx context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	etag := `"v` + string(rune('0'+len(f.objects))) + `"`
	f.objects[*in.Key] = fakeObject{data: data, etag: strings.Trim(etag, `"`)}
	return &awss3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.IfNoneMatch != nil && strings.Trim(*in.IfNoneMatch, `"`) == obj.etag {
		return nil, notModifiedError()
	}
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(obj.data))),
		ETag:          aws.String(`"` + obj.etag + `"`),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (f *fakeClient) HeadObject(ctx context.Context, in *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &awss3.HeadObjectOutput{
		ETag:          aws.String(`"` + obj.etag + `"`),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (f *fakeClient) DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &awss3.DeleteObjectOutput{}, nil
}

func spoolFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestStoreAndRetrieve(t *testing.T) {
	s := New(newFakeClient(), "blocks", cache.NewMemory())
	ctx := context.Background()

	stored, delta, err := s.Store(ctx, blob.StorageObject{
		Prefix: "p1", FilePath: "block/abc", LocalFile: spoolFile(t, "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.Size)
	assert.Equal(t, int64(5), delta)
	assert.NotEmpty(t, stored.ETag)
	assert.NotContains(t, stored.ETag, `"`)

	got, err := s.Retrieve(ctx, blob.StorageObject{Prefix: "p1", FilePath: "block/abc"})
	require.NoError(t, err)
	require.NotNil(t, got.Body)
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, stored.ETag, got.ETag)
}

func TestRetrieveNotModified(t *testing.T) {
	s := New(newFakeClient(), "blocks", cache.NewMemory())
	ctx := context.Background()

	stored, _, err := s.Store(ctx, blob.StorageObject{
		Prefix: "p1", FilePath: "f", LocalFile: spoolFile(t, "hello"),
	})
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, blob.StorageObject{Prefix: "p1", FilePath: "f", ETag: stored.ETag})
	require.NoError(t, err)
	assert.Nil(t, got.Body)
	assert.Equal(t, stored.ETag, got.ETag)
}

func TestRetrieveMissing(t *testing.T) {
	s := New(newFakeClient(), "blocks", cache.NewMemory())
	_, err := s.Retrieve(context.Background(), blob.StorageObject{Prefix: "p1", FilePath: "nope"})
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestOverwriteDelta(t *testing.T) {
	s := New(newFakeClient(), "blocks", cache.NewMemory())
	ctx := context.Background()

	_, delta, err := s.Store(ctx, blob.StorageObject{
		Prefix: "p1", FilePath: "f", LocalFile: spoolFile(t, "0123456789"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), delta)

	_, delta, err = s.Store(ctx, blob.StorageObject{
		Prefix: "p1", FilePath: "f", LocalFile: spoolFile(t, "abc"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-7), delta)
}

func TestMetaCachesHead(t *testing.T) {
	client := newFakeClient()
	mem := cache.NewMemory()
	s := New(client, "blocks", mem)
	ctx := context.Background()

	stored, _, err := s.Store(ctx, blob.StorageObject{
		Prefix: "p1", FilePath: "f", LocalFile: spoolFile(t, "hello"),
	})
	require.NoError(t, err)

	// Remove the backend object; the cached entry must still answer.
	delete(client.objects, "p1/f")

	meta, err := s.Meta(ctx, blob.StorageObject{Prefix: "p1", FilePath: "f"})
	require.NoError(t, err)
	assert.Equal(t, stored.ETag, meta.ETag)
	assert.Equal(t, int64(5), meta.Size)
}

func TestDelete(t *testing.T) {
	s := New(newFakeClient(), "blocks", cache.NewMemory())
	ctx := context.Background()

	_, _, err := s.Store(ctx, blob.StorageObject{
		Prefix: "p1", FilePath: "f", LocalFile: spoolFile(t, "0123456789"),
	})
	require.NoError(t, err)

	freed, err := s.Delete(ctx, blob.StorageObject{Prefix: "p1", FilePath: "f"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), freed)

	freed, err = s.Delete(ctx, blob.StorageObject{Prefix: "p1", FilePath: "f"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)
}
