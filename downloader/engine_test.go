package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
)

// seqBytes yields a deterministic non-repeating payload.
func seqBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// fileHost serves payloads with range support and records the Range header
// of every request.
type fileHost struct {
	mu     sync.Mutex
	files  map[string][]byte
	ranges []string
	srv    *httptest.Server
}

func newFileHost(t *testing.T) *fileHost {
	t.Helper()
	h := &fileHost{files: map[string][]byte{}}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		payload, ok := h.files[r.URL.Path]
		h.ranges = append(h.ranges, r.Header.Get("Range"))
		h.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fileHost) put(name string, payload []byte) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files["/"+name] = payload
	return h.srv.URL + "/" + name
}

func (h *fileHost) requestRanges() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ranges...)
}

func engineEntry(name string, size int64) internal.ManifestEntry {
	return internal.ManifestEntry{
		ID:          "skyrim/1",
		DisplayName: name,
		RelPath:     name,
		Size:        size,
	}
}

func freshLink(url string) internal.DirectLink {
	return internal.DirectLink{URL: url, ExpiresAt: time.Now().Add(time.Minute)}
}

func TestTransferFullDownload(t *testing.T) {
	payload := seqBytes(14000)
	host := newFileHost(t)
	url := host.put("alpha.7z", payload)
	part := filepath.Join(t.TempDir(), "alpha.7z.part")

	var reports []int64
	engine := NewHTTPTransferEngine(testClient(t), nil)
	written, err := engine.Transfer(context.Background(), internal.TransferRequest{
		Entry:    engineEntry("alpha.7z", int64(len(payload))),
		Link:     freshLink(url),
		PartPath: part,
		Progress: func(n int64) { reports = append(reports, n) },
	})
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if written != int64(len(payload)) {
		t.Errorf("written = %d, want %d", written, len(payload))
	}

	got, err := os.ReadFile(part)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("partial file content differs from payload")
	}

	if len(reports) == 0 || reports[len(reports)-1] != int64(len(payload)) {
		t.Errorf("final progress report = %v", reports)
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] < reports[i-1] {
			t.Errorf("progress went backwards: %d after %d", reports[i], reports[i-1])
		}
	}
}

func TestTransferResumesWithRangeRequest(t *testing.T) {
	payload := seqBytes(4096)
	host := newFileHost(t)
	url := host.put("alpha.7z", payload)

	part := filepath.Join(t.TempDir(), "alpha.7z.part")
	if err := os.WriteFile(part, payload[:1000], 0o644); err != nil {
		t.Fatal(err)
	}

	engine := NewHTTPTransferEngine(testClient(t), nil)
	written, err := engine.Transfer(context.Background(), internal.TransferRequest{
		Entry:      engineEntry("alpha.7z", int64(len(payload))),
		Link:       freshLink(url),
		PartPath:   part,
		ResumeFrom: 1000,
	})
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if written != int64(len(payload)) {
		t.Errorf("written = %d, want %d", written, len(payload))
	}

	ranges := host.requestRanges()
	if len(ranges) != 1 || ranges[0] != "bytes=1000-" {
		t.Errorf("request ranges = %v, want [bytes=1000-]", ranges)
	}

	got, _ := os.ReadFile(part)
	if !bytes.Equal(got, payload) {
		t.Error("resumed file differs from payload")
	}
}

func TestTransferSizeMismatchAbortsBeforeWriting(t *testing.T) {
	payload := seqBytes(500)
	host := newFileHost(t)
	url := host.put("alpha.7z", payload)
	part := filepath.Join(t.TempDir(), "alpha.7z.part")

	engine := NewHTTPTransferEngine(testClient(t), nil)
	// Expect more bytes than the server offers.
	written, err := engine.Transfer(context.Background(), internal.TransferRequest{
		Entry:    engineEntry("alpha.7z", 9999),
		Link:     freshLink(url),
		PartPath: part,
	})
	if !internal.IsKind(err, internal.ErrSizeMismatch) {
		t.Fatalf("error = %v, want size mismatch", err)
	}
	if written != 0 {
		t.Errorf("written = %d, want 0", written)
	}

	if size, _, _ := fileSizeOf(part); size != 0 {
		t.Errorf("partial file holds %d bytes, want 0", size)
	}
}

func fileSizeOf(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false, nil
	}
	return info.Size(), true, nil
}

func TestTransferInterruptionKeepsPartialFile(t *testing.T) {
	payload := seqBytes(100000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declare the full length, deliver half, then drop the connection.
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:50000])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(srv.Close)

	part := filepath.Join(t.TempDir(), "alpha.7z.part")
	engine := NewHTTPTransferEngine(testClient(t), nil)
	written, err := engine.Transfer(context.Background(), internal.TransferRequest{
		Entry:    engineEntry("alpha.7z", 100000),
		Link:     freshLink(srv.URL),
		PartPath: part,
	})
	if !internal.IsKind(err, internal.ErrTransientNetwork) {
		t.Fatalf("error = %v, want transient network", err)
	}
	if written == 0 || written > 100000 {
		t.Errorf("written = %d, want partial progress", written)
	}

	size, exists, _ := fileSizeOf(part)
	if !exists || size != written {
		t.Errorf("partial file size = %d (exists=%v), want %d", size, exists, written)
	}
}

func TestTransferCancellation(t *testing.T) {
	payload := seqBytes(1 << 20)
	blocker := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:100000])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocker
	}))
	t.Cleanup(func() {
		close(blocker)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	part := filepath.Join(t.TempDir(), "alpha.7z.part")
	engine := NewHTTPTransferEngine(testClient(t), nil)
	_, err := engine.Transfer(ctx, internal.TransferRequest{
		Entry:    engineEntry("alpha.7z", 1<<20),
		Link:     freshLink(srv.URL),
		PartPath: part,
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
