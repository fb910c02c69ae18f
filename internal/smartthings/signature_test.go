package smartthings

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "/pl/useast1/test-key"

// keyServer publishes a certificate for key under testKeyID and counts fetches.
func keyServer(t *testing.T, key *rsa.PrivateKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "lifecycle"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != testKeyID {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		w.Write(cert)
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// signedRequest builds a lifecycle POST signed the way the platform signs
// them, with the digest computed over digestBody.
func signedRequest(t *testing.T, key *rsa.PrivateKey, keyID, body, digestBody string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	sum := sha256.Sum256([]byte(digestBody))
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]))

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "date", "digest"},
		httpsig.Authorization,
		0,
	)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(key, keyID, req, nil))
	return req
}

func newSignedWebhook(t *testing.T, keyURL string) (*Webhook, *fakeHandler) {
	t.Helper()
	h := &fakeHandler{}
	w := NewWebhook(h, NewFakePlatform(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.RequireSignatures(NewSignatureVerifier(keyURL, nil))
	return w, h
}

const uninstallBody = `{"lifecycle":"UNINSTALL","uninstallData":{"installedApp":{"installedAppId":"app-1"}}}`

func TestUnsignedUninstallRejected(t *testing.T) {
	srv, fetches := keyServer(t, newKey(t))
	w, h := newSignedWebhook(t, srv.URL)

	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1", strings.NewReader(uninstallBody)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.calls, "the handler must not run")
	assert.Equal(t, int32(0), fetches.Load())
}

func TestSignedUninstallAccepted(t *testing.T) {
	key := newKey(t)
	srv, fetches := keyServer(t, key)
	w, h := newSignedWebhook(t, srv.URL)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		w.ServeHTTP(rec, signedRequest(t, key, testKeyID, uninstallBody, uninstallBody))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	assert.Equal(t, []string{"Uninstall", "Uninstall"}, h.calls)
	assert.Equal(t, int32(1), fetches.Load(), "the key is fetched once and cached")
}

func TestTamperedBodyRejected(t *testing.T) {
	key := newKey(t)
	srv, _ := keyServer(t, key)
	w, h := newSignedWebhook(t, srv.URL)

	signed := `{"lifecycle":"UNINSTALL","uninstallData":{"installedApp":{"installedAppId":"mine"}}}`
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, signedRequest(t, key, testKeyID, uninstallBody, signed))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.calls)
}

func TestSignatureFromOtherKeyRejected(t *testing.T) {
	srv, _ := keyServer(t, newKey(t))
	w, h := newSignedWebhook(t, srv.URL)

	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, signedRequest(t, newKey(t), testKeyID, uninstallBody, uninstallBody))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.calls)
}

func TestUnknownKeyIDRejected(t *testing.T) {
	key := newKey(t)
	srv, _ := keyServer(t, key)
	w, h := newSignedWebhook(t, srv.URL)

	for _, keyID := range []string{"/pl/useast1/other-key", "https://keys.example.net/k", "//keys.example.net/k"} {
		rec := httptest.NewRecorder()
		w.ServeHTTP(rec, signedRequest(t, key, keyID, uninstallBody, uninstallBody))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, keyID)
	}
	assert.Empty(t, h.calls)
}

func TestPingNeedsNoSignature(t *testing.T) {
	srv, _ := keyServer(t, newKey(t))
	w, _ := newSignedWebhook(t, srv.URL)

	rec, out := post(t, w, `{"lifecycle":"PING","pingData":{"challenge":"abc"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"challenge": "abc"}, out["pingData"])
}

func TestCheckDigest(t *testing.T) {
	sum := sha256.Sum256([]byte("body"))
	good := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])

	assert.NoError(t, checkDigest(good, []byte("body")))
	assert.NoError(t, checkDigest("MD5=abc, "+good, []byte("body")))
	assert.Error(t, checkDigest(good, []byte("other")))
	assert.Error(t, checkDigest("", []byte("body")))
	assert.Error(t, checkDigest("MD5=abc", []byte("body")))
}
