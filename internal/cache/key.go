package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Key derives the cache key for one logical request shape. Two requests that
// differ only in query parameter order, host case or JSON key order map to the
// same key.
func Key(method, rawURL string, params url.Values, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(strings.TrimSpace(method)))
	b.WriteByte(' ')
	b.WriteString(normalizeURL(rawURL, params))
	if len(body) > 0 {
		b.WriteString(" body:")
		b.WriteString(bodyHash(body))
	}
	return b.String()
}

func normalizeURL(rawURL string, params url.Values) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	} else {
		cleaned := path.Clean(u.Path)
		if strings.HasSuffix(u.Path, "/") && cleaned != "/" {
			cleaned += "/"
		}
		u.Path = cleaned
	}
	u.RawPath = ""

	q := u.Query()
	for k, vs := range params {
		q[k] = append(q[k], vs...)
	}
	for k := range q {
		sort.Strings(q[k])
	}
	// Encode sorts by key
	u.RawQuery = q.Encode()
	return u.String()
}

// bodyHash canonicalises JSON bodies (map keys come out sorted) before
// hashing; anything else is hashed as-is.
func bodyHash(body []byte) string {
	canon := body
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil && !dec.More() {
		if b, err := json.Marshal(v); err == nil {
			canon = b
		}
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16]
}
