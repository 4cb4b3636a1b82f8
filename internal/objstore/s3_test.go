package objstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	conf "github.com/trunov/imgpipe/internal/config"
)

// fakeS3 serves just enough path-style S3 for the client under test.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	buckets map[string]bool
	listQ   []string
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	f := &fakeS3{objects: map[string][]byte{}, buckets: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	switch {
	case key == "" && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet:
		f.listQ = append(f.listQ, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>images</Name><KeyCount>2</KeyCount><MaxKeys>2</MaxKeys><IsTruncated>true</IsTruncated>
  <Contents><Key>a.jpg</Key><Size>3</Size></Contents>
  <Contents><Key>b.jpg</Key><Size>3</Size></Contents>
</ListBucketResult>`)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			body = decodeAWSChunked(body)
		}
		f.objects[key] = body
		w.Header().Set("ETag", `"etag-1"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code></Error>`)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// decodeAWSChunked returns the first chunk of an aws-chunked body, which is
// the whole payload for the small objects used here.
func decodeAWSChunked(body []byte) []byte {
	header, rest, ok := strings.Cut(string(body), "\r\n")
	if !ok {
		return body
	}
	size, _, _ := strings.Cut(header, ";")
	n, err := strconv.ParseInt(size, 16, 64)
	if err != nil || int(n) > len(rest) {
		return body
	}
	return []byte(rest[:n])
}

func newClient(t *testing.T, endpoint string) *S3 {
	t.Helper()
	s, err := New(context.Background(), &conf.BucketConfig{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		BucketName:     "images",
		AccessKeyID:    "key",
		SecretKey:      "secret",
		RetryBaseDelay: time.Millisecond,
		PresignTTL:     time.Hour,
	})
	require.NoError(t, err)
	return s
}

func TestS3_EnsureCreatesMissingBucket(t *testing.T) {
	f, srv := newFakeS3(t)
	s := newClient(t, srv.URL)

	require.NoError(t, s.Ensure(context.Background(), true))
	assert.True(t, f.buckets["images"])
}

func TestS3_EnsureWithoutCreateFails(t *testing.T) {
	_, srv := newFakeS3(t)
	s := newClient(t, srv.URL)

	assert.Error(t, s.Ensure(context.Background(), false))
}

func TestS3_List(t *testing.T) {
	f, srv := newFakeS3(t)
	s := newClient(t, srv.URL)

	keys, more, err := s.List(context.Background(), "0.jpg", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, keys)
	assert.True(t, more)
	require.Len(t, f.listQ, 1)
	assert.Contains(t, f.listQ[0], "start-after=0.jpg")
	assert.Contains(t, f.listQ[0], "max-keys=2")
}

func TestS3_UploadGetDelete(t *testing.T) {
	_, srv := newFakeS3(t)
	s := newClient(t, srv.URL)
	ctx := context.Background()

	res, err := s.Upload(ctx, "dir/a.webp", "image/webp", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "dir/a.webp", res.Ref)
	assert.Equal(t, "upload", res.Action)
	assert.NotEmpty(t, res.ID)

	data, err := s.Get(ctx, "dir/a.webp")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	require.NoError(t, s.Delete(ctx, "dir/a.webp"))
	_, err = s.Get(ctx, "dir/a.webp")
	assert.Error(t, err)
}

func TestS3_PresignGet(t *testing.T) {
	_, srv := newFakeS3(t)
	s := newClient(t, srv.URL)

	url, err := s.PresignGet(context.Background(), "dir/a.webp")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, srv.URL+"/images/dir/a.webp"))
	assert.Contains(t, url, "X-Amz-Signature=")
}

func TestS3_BackoffDelayGrows(t *testing.T) {
	s := &S3{RetryBaseDelay: 100 * time.Millisecond}

	first := s.backoffDelay(1)
	third := s.backoffDelay(3)
	assert.InDelta(t, float64(100*time.Millisecond), float64(first), float64(5*time.Millisecond))
	assert.InDelta(t, float64(400*time.Millisecond), float64(third), float64(20*time.Millisecond))
}
