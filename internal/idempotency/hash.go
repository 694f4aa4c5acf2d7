package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// Hasher produces the request digest that detects key reuse with a
// different payload. The digest covers method|path|body; volatile
// headers (timestamps, trace ids) never participate, so a genuine
// retry of the same request always hashes the same.
type Hasher struct {
	// IncludeQuery folds the raw query string into the path segment.
	// Off by default: most retrying clients keep the query identical
	// anyway, and proxies love to reorder parameters.
	IncludeQuery bool
}

// Hash digests the request line and body. The body is passed
// explicitly because the caller has already drained r.Body.
func (h Hasher) Hash(r *http.Request, body []byte) string {
	path := r.URL.Path
	if h.IncludeQuery && r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	d := sha256.New()
	d.Write([]byte(r.Method))
	d.Write([]byte{'|'})
	d.Write([]byte(path))
	d.Write([]byte{'|'})
	d.Write(body)
	return hex.EncodeToString(d.Sum(nil))
}
