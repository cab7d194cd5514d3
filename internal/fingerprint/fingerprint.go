// Package fingerprint computes the deterministic cache key for an inbound
// request: a SHA-256 digest over a canonical byte sequence that depends only
// on the fields that influence the upstream answer.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"strconv"

	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/valyala/bytebufferpool"
)

const unspecifiedMaxTokens = -1

// Chat computes the fingerprint for a chat completion request after upstream
// model resolution. effectiveModel is the model name post endpoint-override;
// enableThinking participates per the recommended reading of the open
// question in the request-dispatch design.
func Chat(effectiveModel string, req *domain.ChatCompletionRequest, enableThinking bool) domain.Fingerprint {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("chat\x00")
	buf.WriteString(effectiveModel)
	buf.WriteByte(0)

	for _, m := range req.Messages {
		buf.WriteString(m.Role)
		buf.WriteByte(0)
		buf.Write(canonicalContent(m.Content))
		buf.WriteByte(0)
	}

	buf.WriteByte(0)
	buf.WriteString(quantizeTemperature(req.Temperature))
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatInt(maxTokensOrSentinel(req.MaxTokens), 10))
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatBool(req.Stream))
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatBool(enableThinking))

	return sha256.Sum256(buf.B)
}

// Embeddings computes the fingerprint for an embeddings request from
// (model, input) alone, per spec.
func Embeddings(model string, input []byte) domain.Fingerprint {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("embeddings\x00")
	buf.WriteString(model)
	buf.WriteByte(0)
	buf.Write(input)

	return sha256.Sum256(buf.B)
}

// canonicalContent returns a canonical encoding of a raw JSON content value.
// The value is decoded and re-encoded, which removes whitespace between
// tokens, sorts object keys (as found in multi-part content arrays), and
// normalizes string escapes, so equivalent content yields identical bytes
// however the client formatted it. Numbers keep their literal text. A value
// that does not decode as JSON is used as-is, minus surrounding whitespace.
func canonicalContent(raw []byte) []byte {
	start, end := 0, len(raw)
	for start < end && isJSONSpace(raw[start]) {
		start++
	}
	for end > start && isJSONSpace(raw[end-1]) {
		end--
	}
	trimmed := raw[start:end]

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return canonical
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func quantizeTemperature(t *float64) string {
	if t == nil {
		return "nil"
	}
	return strconv.FormatFloat(*t, 'f', 6, 64)
}

func maxTokensOrSentinel(mt *int64) int64 {
	if mt == nil {
		return unspecifiedMaxTokens
	}
	return *mt
}
