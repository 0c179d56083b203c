package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFileName(t *testing.T) {
	cases := map[string]string{
		"vit_h": "sam_vit_h_4b8939.pth",
		"vit_l": "sam_vit_l_0b3195.pth",
		"vit_b": "sam_vit_b_01ec64.pth",
	}
	for model, want := range cases {
		got, err := FileName(model)
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", model, err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", model, want, got)
		}
	}

	if _, err := FileName("vit_x"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestEnsureUsesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sam_vit_b_01ec64.pth")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("failed to write checkpoint: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected download request %s", r.URL.Path)
	}))
	defer server.Close()

	m := NewManager(dir, server.URL, true, zap.NewNop())
	got, err := m.Ensure(context.Background(), "vit_b")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != path {
		t.Fatalf("expected %s, got %s", path, got)
	}
}

func TestEnsureDownloadsMissingFile(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 4096)
	requested := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested <- r.URL.Path
		w.Write(payload)
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "checkpoints")
	m := NewManager(dir, server.URL, true, zap.NewNop())
	path, err := m.Ensure(context.Background(), "vit_h")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := <-requested; got != "/sam_vit_h_4b8939.pth" {
		t.Fatalf("expected request for vit_h checkpoint, got %s", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(data))
	}
	if _, err := os.Stat(path + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected partial file to be gone, got %v", err)
	}
}

func TestEnsureFailsOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dir := t.TempDir()
	m := NewManager(dir, server.URL, true, zap.NewNop())
	if _, err := m.Ensure(context.Background(), "vit_l"); err == nil {
		t.Fatal("expected error for 404 response")
	}
	if _, err := os.Stat(filepath.Join(dir, "sam_vit_l_0b3195.pth")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no checkpoint file, got %v", err)
	}
}

func TestEnsureMissingWithoutDownload(t *testing.T) {
	m := NewManager(t.TempDir(), "", false, zap.NewNop())
	if _, err := m.Ensure(context.Background(), "vit_b"); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	if m.BaseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %s", m.BaseURL)
	}
}

func TestEnsureUnknownModel(t *testing.T) {
	m := NewManager(t.TempDir(), "", true, zap.NewNop())
	if _, err := m.Ensure(context.Background(), "vit_x"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func readInChunks(t *testing.T, r io.Reader, size int) {
	t.Helper()
	buf := make([]byte, size)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
	}
}

func TestProgressReaderKnownSize(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	payload := bytes.Repeat([]byte("w"), 1000)
	p := &progressReader{r: bytes.NewReader(payload), total: int64(len(payload)), step: progressStep, logger: zap.New(core)}

	readInChunks(t, p, 100)

	entries := logs.FilterMessage("download progress").All()
	if len(entries) != 10 {
		t.Fatalf("expected 10 progress entries, got %d", len(entries))
	}
	if got := entries[9].ContextMap()["percent"]; got != int64(100) {
		t.Fatalf("expected final percent 100, got %v", got)
	}
}

func TestProgressReaderUnknownSize(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	payload := bytes.Repeat([]byte("w"), 4096)
	p := &progressReader{r: bytes.NewReader(payload), total: -1, step: 1024, logger: zap.New(core)}

	readInChunks(t, p, 256)

	entries := logs.FilterMessage("download progress").All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 progress entries, got %d", len(entries))
	}
	if got := entries[3].ContextMap()["bytes"]; got != int64(4096) {
		t.Fatalf("expected 4096 bytes logged last, got %v", got)
	}
}
