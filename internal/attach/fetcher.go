// Package attach resolves message attachments from their storage
// references: inline base64, filesystem paths, HTTP(S) URLs and S3
// objects, with an optional content-addressed disk cache.
package attach

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/mail-relay/internal/pkg/httpretry"
	"github.com/ignite/mail-relay/internal/pkg/logger"
	"github.com/ignite/mail-relay/internal/store"
)

// Fetch modes; inferred from the storage path prefix when unset.
const (
	ModeBase64     = "base64"
	ModeFilesystem = "fs"
	ModeHTTP       = "http"
	ModeS3         = "s3"
)

// md5MarkerRe matches the {MD5:<hex>} cache marker embedded in filenames.
var md5MarkerRe = regexp.MustCompile(`\{MD5:([0-9a-fA-F]{32})\}`)

// S3API is the slice of the S3 client the fetcher uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher resolves attachments. A nil s3 client disables s3:// paths;
// an empty cacheDir disables the disk cache.
type Fetcher struct {
	http     httpretry.HTTPDoer
	s3       S3API
	cacheDir string
}

// New creates a Fetcher. If client is nil a retrying HTTP client with
// sane defaults is used.
func New(client httpretry.HTTPDoer, s3Client S3API, cacheDir string) *Fetcher {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &Fetcher{http: client, s3: s3Client, cacheDir: cacheDir}
}

// StripMarker splits the cache marker out of a filename.
// "report{MD5:abc...}.pdf" → ("report.pdf", "abc...").
func StripMarker(filename string) (clean, md5 string) {
	m := md5MarkerRe.FindStringSubmatch(filename)
	if m == nil {
		return filename, ""
	}
	return md5MarkerRe.ReplaceAllString(filename, ""), strings.ToLower(m[1])
}

// Fetch resolves one attachment reference into content and the filename
// to use in MIME composition.
func (f *Fetcher) Fetch(ctx context.Context, att store.Attachment) ([]byte, string, error) {
	filename, cacheKey := StripMarker(att.Filename)
	if filename == "" {
		filename = filepath.Base(att.StoragePath)
	}

	if data, ok := f.cacheGet(cacheKey); ok {
		return data, filename, nil
	}

	mode := att.FetchMode
	if mode == "" {
		mode = inferMode(att.StoragePath)
	}

	var (
		data []byte
		err  error
	)
	switch mode {
	case ModeBase64:
		data, err = decodeInline(att.StoragePath)
	case ModeHTTP:
		data, err = f.fetchHTTP(ctx, att.StoragePath)
	case ModeS3:
		data, err = f.fetchS3(ctx, att.StoragePath)
	case ModeFilesystem:
		data, err = os.ReadFile(att.StoragePath)
	default:
		err = fmt.Errorf("attach: unsupported fetch mode %q", mode)
	}
	if err != nil {
		return nil, "", fmt.Errorf("attach: fetch %s: %w", filename, err)
	}

	f.cachePut(cacheKey, data)
	return data, filename, nil
}

// inferMode maps a storage path prefix to a fetch mode.
func inferMode(storagePath string) string {
	switch {
	case strings.HasPrefix(storagePath, "base64:"):
		return ModeBase64
	case strings.HasPrefix(storagePath, "http://"), strings.HasPrefix(storagePath, "https://"):
		return ModeHTTP
	case strings.HasPrefix(storagePath, "s3://"):
		return ModeS3
	case strings.HasPrefix(storagePath, "/"):
		return ModeFilesystem
	}
	return ""
}

func decodeInline(storagePath string) ([]byte, error) {
	encoded := strings.TrimPrefix(storagePath, "base64:")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode inline content: %w", err)
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (f *Fetcher) fetchS3(ctx context.Context, uri string) ([]byte, error) {
	if f.s3 == nil {
		return nil, fmt.Errorf("s3 fetching not configured")
	}
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func parseS3URI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 uri %q", uri)
	}
	return parts[0], parts[1], nil
}

func (f *Fetcher) cacheGet(key string) ([]byte, bool) {
	if f.cacheDir == "" || key == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(f.cacheDir, key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (f *Fetcher) cachePut(key string, data []byte) {
	if f.cacheDir == "" || key == "" {
		return
	}
	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		logger.Warn("attach: cache dir unavailable", "dir", f.cacheDir, "error", err)
		return
	}
	tmp := filepath.Join(f.cacheDir, key+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn("attach: cache write failed", "key", key, "error", err)
		return
	}
	os.Rename(tmp, filepath.Join(f.cacheDir, key))
}
