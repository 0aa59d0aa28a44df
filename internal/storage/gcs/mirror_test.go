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

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestMirrorPutObject(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/contracts/o")
		assert.Equal(t, "pdf/GEMC-1.pdf", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "%PDF-1.4")
		fmt.Fprintln(w, `{"name": "pdf/GEMC-1.pdf", "bucket": "contracts"}`)
	})

	m, err := New(newTestClient(t, handler), Config{Bucket: "contracts"})
	require.NoError(t, err)
	uri, err := m.PutObject(context.Background(), "/pdf/GEMC-1.pdf", "application/pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, "gs://contracts/pdf/GEMC-1.pdf", uri)
}

func TestMirrorPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"code": 403, "message": "denied"}}`, http.StatusForbidden)
	})
	m, err := New(newTestClient(t, handler), Config{Bucket: "contracts"})
	require.NoError(t, err)
	_, err = m.PutObject(context.Background(), "GEMC-1.pdf", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)

	m, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = m.PutObject(context.Background(), "  ", "", strings.NewReader("x"))
	require.Error(t, err)
}
