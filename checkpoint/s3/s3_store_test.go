package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/parvec"
	"github.com/hupe1980/parvec/checkpoint"
	"github.com/hupe1980/parvec/checkpoint/s3"
	"github.com/hupe1980/parvec/overlap"
)

// fakeS3 is an in-memory implementation of the Client interface, including
// the multipart calls the streaming uploader may issue.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]map[int32][]byte
	nextID  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		uploads: make(map[string]map[int32][]byte),
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *awss3.CreateMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%s-upload-%d", aws.ToString(in.Key), f.nextID)
	f.uploads[id] = make(map[int32][]byte)
	return &awss3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *awss3.UploadPartInput, _ ...func(*awss3.Options)) (*awss3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[aws.ToString(in.UploadId)][aws.ToInt32(in.PartNumber)] = data
	return &awss3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *awss3.CompleteMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.uploads[aws.ToString(in.UploadId)]
	nums := make([]int32, 0, len(parts))
	for n := range parts {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	var buf bytes.Buffer
	for _, n := range nums {
		buf.Write(parts[n])
	}
	f.objects[aws.ToString(in.Key)] = buf.Bytes()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &awss3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *awss3.AbortMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &awss3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &awss3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newVector(t *testing.T, numRows, blockSize int) *parvec.Vector {
	t.Helper()

	rows := make([]overlap.Row, numRows)
	for i := range rows {
		rows[i] = overlap.Row{Global: i, Owner: 0, Holders: []int{0}}
	}
	all, err := overlap.Build(overlap.Table{NumRanks: 1, Rows: rows})
	require.NoError(t, err)

	v, err := parvec.New(context.Background(), all[0], nil, blockSize)
	require.NoError(t, err)
	return v
}

func TestStoreCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := s3.NewStore(fake, "bucket", "run-42")

	src := newVector(t, 8, 2)
	for i := range src.Data() {
		src.Data()[i] = float64(i)
	}

	require.NoError(t, checkpoint.Save(ctx, store, "step-3", src, checkpoint.Meta{Step: 3}, checkpoint.WithCompression()))

	// Keys carry the root prefix.
	_, ok := fake.objects["run-42/step-3"]
	require.True(t, ok)

	dst := newVector(t, 8, 2)
	meta, err := checkpoint.Restore(ctx, store, "step-3", dst)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Step)
	assert.Equal(t, src.Data(), dst.Data())
}

func TestStoreOpenNotFound(t *testing.T) {
	store := s3.NewStore(newFakeS3(), "bucket", "")
	_, err := store.Open(context.Background(), "missing")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStorePutDeleteList(t *testing.T) {
	ctx := context.Background()
	store := s3.NewStore(newFakeS3(), "bucket", "runs")

	require.NoError(t, store.Put(ctx, "a/1", []byte("x")))
	require.NoError(t, store.Put(ctx, "a/2", []byte("y")))
	require.NoError(t, store.Put(ctx, "b/1", []byte("z")))

	names, err := store.List(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, names)

	rc, err := store.Open(ctx, "a/1")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("x"), data)

	require.NoError(t, store.Delete(ctx, "a/1"))
	_, err = store.Open(ctx, "a/1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStoreCreateStreams(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := s3.NewStore(fake, "bucket", "").WithUploadConfig(s3.UploadConfig{
		PartSize:    5 * 1024 * 1024,
		Concurrency: 2,
	})

	obj, err := store.Create(ctx, "streamed")
	require.NoError(t, err)
	_, err = obj.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = obj.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, obj.Sync())
	require.NoError(t, obj.Close())

	assert.Equal(t, []byte("hello world"), fake.objects["streamed"])

	// Double close is rejected instead of blocking on the uploader.
	require.ErrorIs(t, obj.Close(), io.ErrClosedPipe)
}
