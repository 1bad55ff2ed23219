package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agrilink/chat-app/internal/chat"
)

func newTestIngestor(t *testing.T) (*Ingestor, string) {
	t.Helper()
	dir := t.TempDir()
	ing, err := NewIngestor(Config{Dir: dir, MaxBytes: DefaultMaxBytes})
	if err != nil {
		t.Fatalf("NewIngestor() error: %v", err)
	}
	return ing, dir
}

// diskPath maps a returned reference path back to the test directory.
func diskPath(dir, refPath string) string {
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(refPath, PublicPrefix+"/")))
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func TestUploadImage(t *testing.T) {
	ing, dir := newTestIngestor(t)
	payload := bytes.Repeat([]byte{0x89}, 50*1024)

	ref, err := ing.Upload(context.Background(), bytes.NewReader(payload), "image/png", "leaf.PNG")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if !strings.HasPrefix(ref.Path, "uploads/images/") {
		t.Errorf("expected an image path, got %q", ref.Path)
	}
	if !strings.HasSuffix(ref.Path, ".png") {
		t.Errorf("expected the original extension lowercased, got %q", ref.Path)
	}
	if ref.ContentType != "image/png" {
		t.Errorf("expected content type image/png, got %q", ref.ContentType)
	}

	info, err := os.Stat(diskPath(dir, ref.Path))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Errorf("expected %d bytes on disk, got %d", len(payload), info.Size())
	}
}

func TestUploadTooLarge(t *testing.T) {
	ing, dir := newTestIngestor(t)

	_, err := ing.Upload(context.Background(), io.LimitReader(zeroReader{}, 15<<20), "image/jpeg", "big.jpg")
	if !errors.Is(err, chat.ErrPayloadTooLarge) {
		t.Fatalf("expected PayloadTooLargeError, got %v", err)
	}
	var tooLarge *chat.PayloadTooLargeError
	if errors.As(err, &tooLarge) && tooLarge.Limit != DefaultMaxBytes {
		t.Errorf("expected limit %d, got %d", DefaultMaxBytes, tooLarge.Limit)
	}
	if n := countFiles(t, dir); n != 0 {
		t.Errorf("expected no files left behind, found %d", n)
	}
}

func TestUploadExactlyAtLimit(t *testing.T) {
	dir := t.TempDir()
	ing, err := NewIngestor(Config{Dir: dir, MaxBytes: 1024})
	if err != nil {
		t.Fatalf("NewIngestor() error: %v", err)
	}

	if _, err := ing.Upload(context.Background(), bytes.NewReader(make([]byte, 1024)), "audio/mpeg", "a.mp3"); err != nil {
		t.Fatalf("payload at the limit should be accepted: %v", err)
	}
	if _, err := ing.Upload(context.Background(), bytes.NewReader(make([]byte, 1025)), "audio/mpeg", "a.mp3"); !errors.Is(err, chat.ErrPayloadTooLarge) {
		t.Fatalf("payload one byte over should be rejected, got %v", err)
	}
}

func TestUploadUnsupported(t *testing.T) {
	ing, dir := newTestIngestor(t)

	_, err := ing.Upload(context.Background(), strings.NewReader("%PDF-1.4"), "application/pdf", "doc.pdf")
	if !errors.Is(err, chat.ErrUnsupportedType) {
		t.Fatalf("expected UnsupportedTypeError, got %v", err)
	}
	if n := countFiles(t, dir); n != 0 {
		t.Errorf("expected no files, found %d", n)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		contentType string
		wantDir     string
		wantErr     bool
	}{
		{"image/png", "images", false},
		{"IMAGE/JPEG", "images", false},
		{"audio/webm; codecs=opus", "audio", false},
		{"audio/mp4", "audio", false},
		{"application/octet-stream", "", false},
		{"application/pdf", "", true},
		{"video/mp4", "", true},
		{"", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.contentType, func(t *testing.T) {
			dir, err := Classify(tc.contentType)
			if tc.wantErr {
				if !errors.Is(err, chat.ErrUnsupportedType) {
					t.Fatalf("expected UnsupportedTypeError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dir != tc.wantDir {
				t.Errorf("Classify(%q) = %q, want %q", tc.contentType, dir, tc.wantDir)
			}
		})
	}
}

func TestUploadOctetStreamFallsBackToBin(t *testing.T) {
	ing, _ := newTestIngestor(t)

	ref, err := ing.Upload(context.Background(), strings.NewReader("rec"), "application/octet-stream", "")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if strings.Count(ref.Path, "/") != 1 || !strings.HasPrefix(ref.Path, "uploads/") {
		t.Errorf("expected a file in the generic root, got %q", ref.Path)
	}
	if !strings.HasSuffix(ref.Path, ".bin") {
		t.Errorf("expected .bin fallback, got %q", ref.Path)
	}
}

func TestUploadNamesAreUnique(t *testing.T) {
	ing, _ := newTestIngestor(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		ref, err := ing.Upload(context.Background(), strings.NewReader("x"), "image/gif", "a.gif")
		if err != nil {
			t.Fatalf("Upload() error: %v", err)
		}
		if seen[ref.Path] {
			t.Fatalf("duplicate path %q", ref.Path)
		}
		seen[ref.Path] = true
	}
}

func TestUploadCanceledContext(t *testing.T) {
	ing, dir := newTestIngestor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ing.Upload(ctx, strings.NewReader("x"), "image/png", "a.png"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := countFiles(t, dir); n != 0 {
		t.Errorf("expected no files, found %d", n)
	}
}

func TestHandlerServesStoredFile(t *testing.T) {
	ing, _ := newTestIngestor(t)
	ref, err := ing.Upload(context.Background(), strings.NewReader("PNGDATA"), "image/png", "a.png")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/"+ref.Path, nil)
	rec := httptest.NewRecorder()
	ing.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "PNGDATA" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name string
		typ  chat.MessageType
		path string
		ok   bool
	}{
		{"image", chat.TypeImage, "uploads/images/1700000000000-abc.jpg", true},
		{"audio", chat.TypeAudio, "uploads/audio/1700000000000-abc.m4a", true},
		{"generic root", chat.TypeAudio, "uploads/1700000000000-abc.bin", true},
		{"wrong class", chat.TypeImage, "uploads/audio/1-abc.m4a", false},
		{"unknown class", chat.TypeImage, "uploads/docs/1-abc.pdf", false},
		{"traversal", chat.TypeImage, "uploads/images/../../etc/passwd", false},
		{"dot dot name", chat.TypeImage, "uploads/..", false},
		{"hidden file", chat.TypeImage, "uploads/images/.env", false},
		{"absolute path", chat.TypeImage, "/uploads/images/1-abc.jpg", false},
		{"url", chat.TypeImage, "https://example.com/uploads/images/1-abc.jpg", false},
		{"no prefix", chat.TypeImage, "images/1-abc.jpg", false},
		{"too deep", chat.TypeImage, "uploads/images/x/1-abc.jpg", false},
		{"empty name", chat.TypeImage, "uploads/images/", false},
		{"query string", chat.TypeImage, "uploads/images/1-abc.jpg?x=1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRef(tt.typ, tt.path)
			if (err == nil) != tt.ok {
				t.Fatalf("ValidateRef(%s, %q) = %v, want ok=%v", tt.typ, tt.path, err, tt.ok)
			}
			if err != nil && !errors.Is(err, chat.ErrValidation) {
				t.Errorf("error %v is not a validation error", err)
			}
		})
	}
}

func TestValidateRefAcceptsUploadedRefs(t *testing.T) {
	ing, err := NewIngestor(Config{Dir: t.TempDir(), MaxBytes: 1 << 10})
	if err != nil {
		t.Fatalf("NewIngestor() error: %v", err)
	}
	for _, tc := range []struct {
		typ         chat.MessageType
		contentType string
	}{
		{chat.TypeImage, "image/png"},
		{chat.TypeAudio, "audio/mp4"},
		{chat.TypeAudio, "application/octet-stream"},
	} {
		ref, err := ing.Upload(context.Background(), strings.NewReader("data"), tc.contentType, "clip")
		if err != nil {
			t.Fatalf("Upload(%s) error: %v", tc.contentType, err)
		}
		if err := ValidateRef(tc.typ, ref.Path); err != nil {
			t.Errorf("ValidateRef(%s, %q) = %v", tc.typ, ref.Path, err)
		}
	}
}
