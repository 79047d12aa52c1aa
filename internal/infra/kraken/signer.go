package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"net/http"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
)

// Signer builds Kraken REST authentication for one credential.
// Keys are held as []byte so Wipe can clear them.
type Signer struct {
	label  string
	apiKey []byte
	secret []byte
}

// NewSigner decodes the base64 secret up front. A bad secret is a
// configuration error naming the credential, raised before any request.
func NewSigner(label, apiKey, secret string) (*Signer, error) {
	if apiKey == "" || secret == "" {
		return nil, errs.Configuration(label, "API key or secret is empty",
			"set both halves of the credential")
	}
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, errs.Configuration(label, "API secret is not valid base64",
			"re-check the stored secret for this credential; copy it again from the exchange")
	}
	return &Signer{
		label:  label,
		apiKey: []byte(apiKey),
		secret: decoded,
	}, nil
}

// Label returns the credential label.
func (s *Signer) Label() string { return s.label }

// Sign returns base64(HMAC-SHA512(secret, path + SHA256(nonce + body))).
// body is the url-encoded form that is sent, including the nonce field.
func (s *Signer) Sign(path, nonce, body string) string {
	sha := sha256.New()
	sha.Write([]byte(nonce + body))
	shaSum := sha.Sum(nil)

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(shaSum)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Apply sets the API-Key and API-Sign headers.
func (s *Signer) Apply(h http.Header, signature string) {
	h.Set("API-Key", string(s.apiKey))
	h.Set("API-Sign", signature)
}

// String never prints key material.
func (s *Signer) String() string {
	return "kraken.Signer{" + s.label + "}"
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipeSlice(s.apiKey)
	wipeSlice(s.secret)
}

func wipeSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
