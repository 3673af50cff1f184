package s3bucket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/blob"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// mockS3Client keeps objects in memory and honours IfNoneMatch.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int

	putObjectFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getObjectFunc func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, params, optFns...)
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	if _, ok := m.objects[key]; ok && aws.ToString(params.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object exists"}
	}
	m.objects[key] = data
	m.puts++
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getObjectFunc != nil {
		return m.getObjectFunc(ctx, params, optFns...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newTestStore(client objectClient) *Store {
	return &Store{client: client, bucket: "medvault-records", prefix: "records/"}
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{AWSConfig: &aws.Config{Region: "us-east-1"}})
	assert.Error(t, err)

	s, err := New(context.Background(), Config{Bucket: "b", Prefix: "p/", AWSConfig: &aws.Config{Region: "us-east-1"}})
	require.NoError(t, err)
	assert.Equal(t, "p/abc", s.key("abc"))
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	s := newTestStore(client)

	data := []byte("sealed record")
	ref, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, blob.Ref(data), ref)
	assert.Contains(t, client.objects, "medvault-records/records/"+ref)

	again, err := s.Put(ctx, data)
	require.NoError(t, err, "re-uploading identical content is a no-op")
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, client.puts)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = s.Get(ctx, blob.Ref([]byte("absent")))
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
}

func TestStore_GetDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	client := newMockS3Client()
	s := newTestStore(client)
	ref := blob.Ref([]byte("original"))
	client.objects["medvault-records/records/"+ref] = []byte("swapped")

	_, err := s.Get(ctx, ref)
	assert.ErrorIs(t, err, vaulterr.ErrBlobCorrupted)
}

func TestStore_TransportErrorsAreRetryable(t *testing.T) {
	ctx := context.Background()
	client := &mockS3Client{
		putObjectFunc: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, errors.New("connection reset")
		},
		getObjectFunc: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, errors.New("connection reset")
		},
	}
	s := newTestStore(client)

	_, err := s.Put(ctx, []byte("x"))
	assert.True(t, vaulterr.IsRetryableError(err))
	_, err = s.Get(ctx, blob.Ref([]byte("x")))
	assert.True(t, vaulterr.IsRetryableError(err))
}
