package ischedule

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the detached signature on iSchedule POSTs.
const SignatureHeader = "DKIM-Signature"

// signedHeaders is the fixed header set covered by outbound signatures.
var signedHeaders = []string{"Originator", "Recipient", "Content-Type"}

// Signer produces DKIM-style signatures over the request headers and
// body, using the ischedule-relaxed header canonicalization: names
// lowercased, values unfolded with runs of whitespace collapsed, and
// repeated headers joined with commas.
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
	now      func() time.Time
}

// NewSigner loads a PEM private key for the given signing domain.
func NewSigner(keyFile, domain, selector string) (*Signer, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := parsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, domain: domain, selector: selector, now: time.Now}, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return key, nil
}

// Sign computes the signature value for a prepared request.
func (s *Signer) Sign(header http.Header, body []byte) (string, error) {
	bodyHash := sha256.Sum256(body)
	now := s.now().Unix()

	tags := []string{
		"v=1",
		"a=rsa-sha256",
		"c=ischedule-relaxed/simple",
		"q=http/well-known:dns/txt",
		"d=" + s.domain,
		"s=" + s.selector,
		"t=" + strconv.FormatInt(now, 10),
		"x=" + strconv.FormatInt(now+3600, 10),
		"h=" + strings.Join(signedHeaders, ":"),
		"bh=" + base64.StdEncoding.EncodeToString(bodyHash[:]),
		"b=",
	}
	unsigned := strings.Join(tags, "; ")

	digest := signatureDigest(header, unsigned)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest)
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return unsigned + base64.StdEncoding.EncodeToString(sig), nil
}

// signatureDigest hashes the canonicalized signed headers plus the
// signature header itself with an empty b= tag.
func signatureDigest(header http.Header, sigValue string) []byte {
	h := sha256.New()
	for _, name := range signedHeaders {
		h.Write([]byte(canonicalHeader(name, header.Values(name))))
		h.Write([]byte("\r\n"))
	}
	h.Write([]byte(canonicalHeader(SignatureHeader, []string{stripSignature(sigValue)})))
	return h.Sum(nil)
}

func canonicalHeader(name string, values []string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strings.Join(strings.Fields(v), " "))
	}
	return strings.ToLower(name) + ":" + strings.Join(parts, ",")
}

// stripSignature removes the b= value so verification hashes the same
// bytes the signer did.
func stripSignature(value string) string {
	if i := strings.Index(value, "; b="); i >= 0 {
		return value[:i+4]
	}
	return value
}

// KeyLookup fetches the public key advertised for a domain and
// selector, over DNS TXT or the well-known HTTP location.
type KeyLookup interface {
	PublicKey(ctx context.Context, domain, selector string) (*rsa.PublicKey, error)
}

// Verifier checks inbound signatures.
type Verifier struct {
	Keys KeyLookup
}

// Verify validates the request signature against the advertised key.
// A missing signature or lookup failure reports false, not an error;
// the receiver then falls back to its static trust rules.
func (v *Verifier) Verify(ctx context.Context, header http.Header, body []byte) bool {
	if v == nil || v.Keys == nil {
		return false
	}
	sigValue := header.Get(SignatureHeader)
	if sigValue == "" {
		return false
	}
	tags := parseSignatureTags(sigValue)
	if tags["a"] != "rsa-sha256" {
		return false
	}

	bodyHash := sha256.Sum256(body)
	if base64.StdEncoding.EncodeToString(bodyHash[:]) != tags["bh"] {
		return false
	}
	if exp, err := strconv.ParseInt(tags["x"], 10, 64); err == nil && time.Now().Unix() > exp {
		return false
	}

	key, err := v.Keys.PublicKey(ctx, tags["d"], tags["s"])
	if err != nil || key == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(tags["b"])
	if err != nil {
		return false
	}
	digest := signatureDigest(header, sigValue)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest, sig) == nil
}

func parseSignatureTags(value string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if k, v, ok := strings.Cut(part, "="); ok {
			tags[k] = strings.TrimSpace(v)
		}
	}
	return tags
}
