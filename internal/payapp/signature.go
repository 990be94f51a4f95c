package payapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// SignatureField is the form field carrying the callback signature.
const SignatureField = "signature"

// CanonicalString renders params as "k1=v1&k2=v2" sorted by key. The
// signature field and empty values are skipped; only the first value of a
// repeated key is used.
func CanonicalString(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k, vals := range params {
		if k == SignatureField || len(vals) == 0 || vals[0] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}
	return b.String()
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical parameter string.
func Sign(params url.Values, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against params in constant time.
func Verify(params url.Values, secret, signature string) bool {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(params, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
