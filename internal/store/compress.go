package store

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/valyala/bytebufferpool"
)

// compressThresholdBytes is the original-size cutoff above which a payload
// is stored Brotli-compressed instead of raw.
const compressThresholdBytes = 1024

// encodePayload returns the bytes to store plus whether they are compressed.
func encodePayload(raw []byte) (stored []byte, compressed bool) {
	if len(raw) <= compressThresholdBytes {
		return raw, false
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	w := brotli.NewWriterLevel(buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return raw, false
	}
	if err := w.Close(); err != nil {
		return raw, false
	}

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, true
}

// decodePayload reverses encodePayload using the stored compression flag.
func decodePayload(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return stored, nil
	}
	r := brotli.NewReader(bytes.NewReader(stored))
	return io.ReadAll(r)
}
