package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"strings"
)

// TypeGzip is the CompressionType part property value for GZIP payloads
const TypeGzip = "application/gzip"

// precompressed lists media types that gain nothing from another GZIP pass
var precompressed = map[string]bool{
	"application/gzip":            true,
	"application/x-gzip":          true,
	"application/zip":             true,
	"application/x-7z-compressed": true,
	"image/jpeg":                  true,
	"image/png":                   true,
	"image/gif":                   true,
	"video/mp4":                   true,
	"audio/mpeg":                  true,
}

// Compressor compresses payload parts at a fixed GZIP level
type Compressor struct {
	level int
}

// NewCompressor returns a compressor using gzip.DefaultCompression
func NewCompressor() *Compressor {
	return &Compressor{level: gzip.DefaultCompression}
}

// NewCompressorWithLevel returns a compressor with the given level. Levels
// outside gzip's range fail on the first Compress call.
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{level: level}
}

func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip level %d: %w", c.level, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading gzip header: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}

// CompressPart compresses data when its media type benefits from it. The
// returned flag reports whether the part was compressed, in which case the
// sender must set the CompressionType property to TypeGzip and keep the
// original type in MimeType.
func (c *Compressor) CompressPart(contentType string, data []byte) ([]byte, bool, error) {
	if !ShouldCompress(contentType) {
		return data, false, nil
	}
	out, err := c.Compress(data)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// ShouldCompress reports whether a payload of the given content type is
// worth compressing. Parameters are ignored and unknown or empty types are
// compressed.
func ShouldCompress(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return !precompressed[mediaType]
}
