// Package oauth implements the broker's three-legged OAuth 1.0a flow:
// request signing per RFC 5849 (HMAC-SHA1), sealed on-disk token storage,
// session lifecycle with exchange-midnight expiry, and the keep-alive loop
// that stops tokens from going idle.
package oauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const signatureMethod = "HMAC-SHA1"

// Signer computes RFC 5849 HMAC-SHA1 signatures and writes Authorization
// headers. The nonce source and clock are injectable so signatures are
// reproducible in tests.
type Signer struct {
	consumerKey    string
	consumerSecret string
	nonce          func() string
	now            func() time.Time
}

// NewSigner creates a Signer with a CSPRNG nonce source and the wall clock.
func NewSigner(consumerKey, consumerSecret string) *Signer {
	return &Signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		nonce:          randomNonce,
		now:            time.Now,
	}
}

// WithNonceSource overrides the nonce generator. Tests only.
func (s *Signer) WithNonceSource(fn func() string) *Signer {
	if fn != nil {
		s.nonce = fn
	}
	return s
}

// WithClock overrides the timestamp source. Tests only.
func (s *Signer) WithClock(fn func() time.Time) *Signer {
	if fn != nil {
		s.now = fn
	}
	return s
}

// randomNonce returns 32 CSPRNG bytes as unpadded base64url.
func randomNonce() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("oauth: reading nonce entropy: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// Sign computes the signature over req and sets its Authorization header.
// token and tokenSecret are empty during the request-token leg. extra holds
// additional protocol parameters (oauth_callback, oauth_verifier).
//
// Query parameters and an application/x-www-form-urlencoded body both join
// the signature base; the body is restored for transport.
func (s *Signer) Sign(req *http.Request, token, tokenSecret string, extra map[string]string) error {
	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if token != "" {
		oauthParams["oauth_token"] = token
	}
	for k, v := range extra {
		oauthParams[k] = v
	}

	all, err := collectParams(req, oauthParams)
	if err != nil {
		return fmt.Errorf("collecting signature params: %w", err)
	}

	base := signatureBase(req.Method, req.URL, all)
	oauthParams["oauth_signature"] = s.signature(base, tokenSecret)

	req.Header.Set("Authorization", authorizationHeader(oauthParams))
	return nil
}

// signature is base64(HMAC-SHA1(k, base)) with k per RFC 5849 section 3.4.2.
func (s *Signer) signature(base, tokenSecret string) string {
	key := percentEncode(s.consumerSecret) + "&" + percentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type param struct {
	key   string
	value string
}

// collectParams gathers protocol params, query params, and form-body params
// into one list, preserving duplicates.
func collectParams(req *http.Request, oauthParams map[string]string) ([]param, error) {
	all := make([]param, 0, len(oauthParams)+8)
	for k, v := range oauthParams {
		all = append(all, param{k, v})
	}
	for k, vs := range req.URL.Query() {
		for _, v := range vs {
			all = append(all, param{k, v})
		}
	}
	if req.Body != nil && strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(raw))
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, err
		}
		for k, vs := range form {
			for _, v := range vs {
				all = append(all, param{k, v})
			}
		}
	}
	return all, nil
}

// signatureBase assembles METHOD&baseURI&params per RFC 5849 section 3.4.1.
func signatureBase(method string, u *url.URL, params []param) string {
	enc := make([]param, len(params))
	for i, p := range params {
		enc[i] = param{percentEncode(p.key), percentEncode(p.value)}
	}
	sort.Slice(enc, func(i, j int) bool {
		if enc[i].key != enc[j].key {
			return enc[i].key < enc[j].key
		}
		return enc[i].value < enc[j].value
	})

	var joined strings.Builder
	for i, p := range enc {
		if i > 0 {
			joined.WriteByte('&')
		}
		joined.WriteString(p.key)
		joined.WriteByte('=')
		joined.WriteString(p.value)
	}

	return strings.ToUpper(method) + "&" + percentEncode(baseStringURI(u)) + "&" + percentEncode(joined.String())
}

// baseStringURI lowercases scheme and host, drops default ports, and strips
// query and fragment.
func baseStringURI(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if h, p, err := net.SplitHostPort(host); err == nil {
		if (scheme == "http" && p == "80") || (scheme == "https" && p == "443") {
			host = h
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// authorizationHeader renders the protocol params as an OAuth header with
// keys in lexical order.
func authorizationHeader(oauthParams map[string]string) string {
	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`OAuth realm=""`)
	for _, k := range keys {
		b.WriteString(", ")
		b.WriteString(percentEncode(k))
		b.WriteString(`="`)
		b.WriteString(percentEncode(oauthParams[k]))
		b.WriteByte('"')
	}
	return b.String()
}

// percentEncode implements RFC 3986 encoding with the unreserved set only,
// which is stricter than url.QueryEscape (no '+' for space, '~' untouched).
func percentEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}
