package minio

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/hupe1980/vecproj/blobstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	objects map[string][]byte
}

func (f *fakeClient) StatObject(_ context.Context, _, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeClient) GetObject(context.Context, string, string, minio.GetObjectOptions) (*minio.Object, error) {
	return nil, minio.ErrorResponse{Code: "NotImplemented"}
}

func (f *fakeClient) PutObject(_ context.Context, _, key string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = data
	return minio.UploadInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeClient) RemoveObject(_ context.Context, _, key string, _ minio.RemoveObjectOptions) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeClient) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo, len(f.objects))
	for k := range f.objects {
		if len(k) >= len(opts.Prefix) && k[:len(opts.Prefix)] == opts.Prefix {
			ch <- minio.ObjectInfo{Key: k}
		}
	}
	close(ch)
	return ch
}

func TestStoreWithFakeClient(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{objects: map[string][]byte{}}
	store := NewStore(client, "bucket", "root/")

	require.NoError(t, store.Put(ctx, "snap/b", []byte("bb")))
	require.NoError(t, store.Put(ctx, "snap/a", []byte("a")))
	assert.Contains(t, client.objects, "root/snap/a")

	blob, err := store.Open(ctx, "snap/b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), blob.Size())

	_, err = store.Open(ctx, "snap/missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	names, err := store.List(ctx, "snap/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap/a", "snap/b"}, names)

	require.NoError(t, store.Delete(ctx, "snap/a"))
	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap/b"}, names)

	assert.ErrorIs(t, store.Put(ctx, "/abs", nil), blobstore.ErrInvalidName)
}

// TestMinioStore_Integration requires a running MinIO instance.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("Skipping MinIO integration test: MINIO_ENDPOINT not set")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	ctx := context.Background()
	bucket := "test-vecproj"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix/")
	data := []byte("hello minio world")
	require.NoError(t, store.Put(ctx, "test.vps", data))

	got, err := blobstore.ReadAll(ctx, store, "test.vps")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "test.vps")

	require.NoError(t, store.Delete(ctx, "test.vps"))
	_, err = store.Open(ctx, "test.vps")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
