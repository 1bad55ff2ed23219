// Package media stores uploaded image and audio payloads on local disk and
// hands back a stable reference path that messages point at.
package media

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/metrics"
)

const (
	// PublicPrefix is the first element of every returned reference path and
	// the URL prefix the files are served under.
	PublicPrefix = "uploads"

	// DefaultMaxBytes is the upload size ceiling.
	DefaultMaxBytes int64 = 10 << 20

	imagesDir = "images"
	audioDir  = "audio"

	contentTypeOctetStream = "application/octet-stream"
)

// Config holds media ingestion settings.
type Config struct {
	Dir      string // filesystem directory backing PublicPrefix
	MaxBytes int64  // payloads larger than this are rejected
}

// DefaultConfig returns the defaults: ./uploads with a 10 MiB ceiling.
func DefaultConfig() Config {
	return Config{
		Dir:      PublicPrefix,
		MaxBytes: DefaultMaxBytes,
	}
}

// Ref is a stored media reference.
type Ref struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
}

// Ingestor persists uploads under a root directory with one subdirectory per
// media class.
type Ingestor struct {
	dir      string
	maxBytes int64
}

// NewIngestor creates the directory layout and returns a ready Ingestor.
func NewIngestor(config Config) (*Ingestor, error) {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	for _, sub := range []string{"", imagesDir, audioDir} {
		if err := os.MkdirAll(filepath.Join(config.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("media: create upload dir: %w", err)
		}
	}
	return &Ingestor{dir: config.Dir, maxBytes: config.MaxBytes}, nil
}

// MaxBytes returns the configured size ceiling.
func (i *Ingestor) MaxBytes() int64 {
	return i.maxBytes
}

// Classify maps a declared content type to its storage subdirectory. The
// generic root is "". Types other than image/*, audio/* and
// application/octet-stream (what mobile recorders often declare) are
// rejected.
func Classify(contentType string) (string, error) {
	mediaType := normalize(contentType)
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return imagesDir, nil
	case strings.HasPrefix(mediaType, "audio/"):
		return audioDir, nil
	case mediaType == contentTypeOctetStream:
		return "", nil
	}
	return "", &chat.UnsupportedTypeError{ContentType: contentType}
}

// Upload streams r to disk and returns its reference. Payloads over the size
// ceiling fail with PayloadTooLargeError and leave nothing behind.
func (i *Ingestor) Upload(ctx context.Context, r io.Reader, contentType, originalName string) (Ref, error) {
	sub, err := Classify(contentType)
	if err != nil {
		metrics.Uploads.WithLabelValues("unsupported").Inc()
		return Ref{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	mediaType := normalize(contentType)
	name := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), uuid.New().String(), extension(originalName, mediaType))
	target := filepath.Join(i.dir, sub, name)

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		metrics.Uploads.WithLabelValues("error").Inc()
		return Ref{}, fmt.Errorf("media: create %s: %w", name, err)
	}

	// Read one byte past the limit to tell "exactly at" from "over".
	n, copyErr := io.Copy(f, io.LimitReader(r, i.maxBytes+1))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		os.Remove(target)
		metrics.Uploads.WithLabelValues("error").Inc()
		return Ref{}, fmt.Errorf("media: write %s: %w", name, copyErr)
	case n > i.maxBytes:
		os.Remove(target)
		metrics.Uploads.WithLabelValues("too_large").Inc()
		return Ref{}, &chat.PayloadTooLargeError{Limit: i.maxBytes}
	case closeErr != nil:
		os.Remove(target)
		metrics.Uploads.WithLabelValues("error").Inc()
		return Ref{}, fmt.Errorf("media: close %s: %w", name, closeErr)
	case ctx.Err() != nil:
		os.Remove(target)
		return Ref{}, ctx.Err()
	}

	metrics.Uploads.WithLabelValues("stored").Inc()
	ref := Ref{
		Path:        path.Join(PublicPrefix, sub, name),
		ContentType: mediaType,
	}
	log.Printf("[media] stored %s (%d bytes, %s)", ref.Path, n, mediaType)
	return ref, nil
}

// ValidateRef checks that p is a reference Upload could have returned for a
// message of type t: PublicPrefix, then the class directory for t or
// nothing (the generic root), then a plain file name.
func ValidateRef(t chat.MessageType, p string) error {
	invalid := func(reason string) error {
		return &chat.ValidationError{Field: "content", Reason: reason}
	}
	rest, ok := strings.CutPrefix(p, PublicPrefix+"/")
	if !ok {
		return invalid("must be an upload reference under " + PublicPrefix + "/")
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
	case 2:
		if parts[0] != classDir(t) {
			return invalid(fmt.Sprintf("%s message cannot reference %s/%s", t, PublicPrefix, parts[0]))
		}
	default:
		return invalid("unexpected upload path")
	}
	if !validName(parts[len(parts)-1]) {
		return invalid("invalid upload file name")
	}
	return nil
}

func classDir(t chat.MessageType) string {
	switch t {
	case chat.TypeImage:
		return imagesDir
	case chat.TypeAudio:
		return audioDir
	}
	return ""
}

func validName(name string) bool {
	if name == "" || name[0] == '.' || len(name) > 255 {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}

// Handler serves stored files; mount it at "/" + PublicPrefix + "/".
func (i *Ingestor) Handler() http.Handler {
	return http.StripPrefix("/"+PublicPrefix+"/", http.FileServer(http.Dir(i.dir)))
}

// normalize lowercases a content type and drops parameters such as
// "; codecs=opus".
func normalize(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
		if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
			mediaType = mediaType[:idx]
		}
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// extension picks the file extension: the original name's if it is sane, else
// one registered for the content type, else ".bin".
func extension(originalName, mediaType string) string {
	if ext := filepath.Ext(originalName); validExt(ext) {
		return strings.ToLower(ext)
	}
	if mediaType != contentTypeOctetStream {
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 10 {
		return false
	}
	for _, c := range ext[1:] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
