package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, prefix string, handler http.Handler) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsWithCreateOnlyPrecondition(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "/maisync/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive/o")
		assert.Equal(t, "maisync/pages/job-1/type1-diff0.html", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>basic</html>")
		fmt.Fprintln(w, `{"name":"maisync/pages/job-1/type1-diff0.html","bucket":"archive"}`)
	}))

	uri, err := store.PutObject(context.Background(), "pages/job-1/type1-diff0.html", "text/html", strings.NewReader("<html>basic</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/maisync/pages/job-1/type1-diff0.html", uri)
}

func TestPutObjectExistingObjectIsArchived(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	}))

	uri, err := store.PutObject(context.Background(), "results/job-1.json", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/results/job-1.json", uri)
}

func TestPutObjectRejectedUpload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":{"code":400,"message":"bad request"}}`)
	}))

	_, err := store.PutObject(context.Background(), "results/job-1.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.ErrorContains(t, err, "path is required")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	store := &BlobStore{bucket: "b"}
	require.Equal(t, "pages/x.html", store.ObjectName("pages/x.html"))
	store.prefix = "env"
	require.Equal(t, "env/pages/x.html", store.ObjectName("pages/x.html"))
}
