package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cochaviz/tib/internal/logging"
)

func TestHTTPTransportRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "payload")
	}))
	t.Cleanup(server.Close)

	transport := NewHTTPTransport(logging.Discard(), 2)
	transport.Client.RetryWaitMin = 0
	transport.Client.RetryWaitMax = 0

	locator, _ := url.Parse(server.URL + "/bundle")
	body, err := transport.Open(context.Background(), locator)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil || string(data) != "payload" {
		t.Fatalf("body = %q, %v", data, err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("server calls = %d, want 2", got)
	}
}

func TestHTTPTransportRejectsNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	locator, _ := url.Parse(server.URL + "/missing")
	if _, err := NewHTTPTransport(logging.Discard(), 0).Open(context.Background(), locator); err == nil {
		t.Fatalf("Open() error = nil for 404")
	}
}

func TestS3Location(t *testing.T) {
	t.Parallel()

	locator, _ := url.Parse("s3://mirror/l4t/r32.4.4/bsp.tbz2")
	bucket, key, err := s3Location(locator)
	if err != nil || bucket != "mirror" || key != "l4t/r32.4.4/bsp.tbz2" {
		t.Fatalf("s3Location() = %q, %q, %v", bucket, key, err)
	}

	bare, _ := url.Parse("s3://mirror")
	if _, _, err := s3Location(bare); err == nil {
		t.Fatalf("s3Location() accepted a locator without key")
	}
}

func TestFileTransportHonoursContext(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "bundle")
	if err := os.WriteFile(file, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	body, err := FileTransport{}.Open(ctx, &url.URL{Scheme: "file", Path: file})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer body.Close()

	cancel()
	if _, err := io.ReadAll(body); err != context.Canceled {
		t.Fatalf("ReadAll() error = %v, want context.Canceled", err)
	}
}
