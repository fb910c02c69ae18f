package smartthings

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

// DefaultKeyURL serves the certificates the platform signs lifecycle
// requests with. A request's keyId is a path under it.
const DefaultKeyURL = "https://key.smartthings.com"

// ErrUnauthorized marks a lifecycle request that failed authorization.
var ErrUnauthorized = errors.New("lifecycle request not authorized")

// Authorizer decides whether a lifecycle request came from the platform.
type Authorizer interface {
	Authorize(r *http.Request, body []byte) error
}

// SignatureVerifier checks the HTTP signature on lifecycle requests against
// the platform's published keys. Keys are fetched on first use and cached.
type SignatureVerifier struct {
	keyURL string
	client *http.Client

	mu   sync.Mutex
	keys map[string]crypto.PublicKey
}

// NewSignatureVerifier creates a SignatureVerifier. A nil client gets a
// default with a 10s timeout.
func NewSignatureVerifier(keyURL string, client *http.Client) *SignatureVerifier {
	if keyURL == "" {
		keyURL = DefaultKeyURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SignatureVerifier{
		keyURL: strings.TrimRight(keyURL, "/"),
		client: client,
		keys:   make(map[string]crypto.PublicKey),
	}
}

// Authorize implements Authorizer. body is the raw request body, checked
// against the signed Digest header.
func (v *SignatureVerifier) Authorize(r *http.Request, body []byte) error {
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	keyID := verifier.KeyId()
	// The key id must stay on the key host.
	if !strings.HasPrefix(keyID, "/") || strings.HasPrefix(keyID, "//") {
		return fmt.Errorf("%w: unexpected key id %q", ErrUnauthorized, keyID)
	}
	if err := checkDigest(r.Header.Get("Digest"), body); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	key, err := v.key(r.Context(), keyID)
	if err != nil {
		return fmt.Errorf("%w: key %s: %v", ErrUnauthorized, keyID, err)
	}
	if err := verifier.Verify(key, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (v *SignatureVerifier) key(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	v.mu.Lock()
	key, ok := v.keys[keyID]
	v.mu.Unlock()
	if ok {
		return key, nil
	}

	key, err := v.fetch(ctx, keyID)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.keys[keyID] = key
	v.mu.Unlock()
	return key, nil
}

func (v *SignatureVerifier) fetch(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.keyURL+keyID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return parsePublicKey(data)
}

// parsePublicKey reads a PEM certificate or PKIX public key.
func parsePublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	}
	return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
}

// checkDigest compares a "SHA-256=<base64>" Digest header with body.
func checkDigest(header string, body []byte) error {
	if header == "" {
		return errors.New("missing Digest header")
	}
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	for _, part := range strings.Split(header, ",") {
		alg, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(alg, "SHA-256") {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(want)) == 1 {
			return nil
		}
		return errors.New("body does not match Digest header")
	}
	return errors.New("no SHA-256 digest")
}
