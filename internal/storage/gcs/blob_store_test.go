package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newClient(t *testing.T) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(context.Background(),
		option.WithoutAuthentication(),
		option.WithEndpoint("http://127.0.0.1:1/storage/v1/"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(newClient(t), Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "archives/site.zip"},
		{prefix: "mirror", want: "mirror/archives/site.zip"},
		{prefix: "/mirror/prod/", want: "mirror/prod/archives/site.zip"},
	}
	for _, tc := range tests {
		store, err := New(newClient(t), Config{Bucket: "b", Prefix: tc.prefix})
		require.NoError(t, err)
		assert.Equal(t, tc.want, store.ObjectName("archives/site.zip"))
	}
}

func TestPutObjectRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	store, err := New(newClient(t), Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "application/zip", nil)
	require.Error(t, err)
}
