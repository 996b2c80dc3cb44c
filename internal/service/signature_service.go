package service

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
	"strings"
)

// signatureField is excluded from canonicalization in both directions.
const signatureField = "sign"

// Parameter ceilings bound worst-case verification cost before any
// cryptographic work happens.
const (
	maxSignedFields     = 64
	maxSignedFieldBytes = 4096
)

func canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == signatureField {
			continue
		}
		if strings.TrimSpace(v) == "" {
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
		b.WriteString(params[k])
	}
	return b.String()
}

func withinLimits(params map[string]string) bool {
	if len(params) > maxSignedFields {
		return false
	}
	for k, v := range params {
		if len(k) > maxSignedFieldBytes || len(v) > maxSignedFieldBytes {
			return false
		}
	}
	return true
}

// RSASignatureService implements ports.Signer using SHA-256 digests and
// RSA PKCS#1 v1.5 signatures, base64-encoded for transport.
// A verify-only instance (nil private key) is valid for inbound webhooks;
// a sign-only instance (nil public key) is valid for outbound requests.
type RSASignatureService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewRSASignatureService creates an RSA signer from PEM-encoded keys.
// Either PEM may be empty when the corresponding direction is unused.
func NewRSASignatureService(privateKeyPEM, publicKeyPEM string) (*RSASignatureService, error) {
	svc := &RSASignatureService{}
	if privateKeyPEM != "" {
		key, err := parseRSAPrivateKey(privateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA private key: %w", err)
		}
		svc.privateKey = key
	}
	if publicKeyPEM != "" {
		key, err := parseRSAPublicKey(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA public key: %w", err)
		}
		svc.publicKey = key
	}
	if svc.privateKey == nil && svc.publicKey == nil {
		return nil, fmt.Errorf("at least one RSA key is required")
	}
	return svc, nil
}

// Canonicalize joins the non-empty, non-sign parameters as key=value pairs
// sorted byte-wise ascending by key.
func (s *RSASignatureService) Canonicalize(params map[string]string) string {
	return canonicalize(params)
}

// Sign canonicalizes params and signs the SHA-256 digest.
func (s *RSASignatureService) Sign(params map[string]string) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("signer has no private key")
	}
	if !withinLimits(params) {
		return "", fmt.Errorf("parameter set exceeds signing limits")
	}
	digest := sha256.Sum256([]byte(canonicalize(params)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify recomputes the digest from params and checks signature against the
// counterparty public key. A mismatch, malformed input, or oversized field
// returns false.
func (s *RSASignatureService) Verify(params map[string]string, signature string) bool {
	if s.publicKey == nil {
		return false
	}
	if !withinLimits(params) {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(canonicalize(params)))
	return rsa.VerifyPKCS1v15(s.publicKey, crypto.SHA256, digest[:], sig) == nil
}

// HMACSignatureService implements ports.Signer using HMAC-SHA256 over the
// SHA-256 digest of the canonical string, base64-encoded.
type HMACSignatureService struct {
	secret []byte
}

// NewHMACSignatureService creates an HMAC signer with the shared secret.
func NewHMACSignatureService(secret string) (*HMACSignatureService, error) {
	if secret == "" {
		return nil, fmt.Errorf("HMAC secret must not be empty")
	}
	return &HMACSignatureService{secret: []byte(secret)}, nil
}

// Canonicalize joins the non-empty, non-sign parameters as key=value pairs
// sorted byte-wise ascending by key.
func (s *HMACSignatureService) Canonicalize(params map[string]string) string {
	return canonicalize(params)
}

// Sign canonicalizes params and authenticates the SHA-256 digest.
func (s *HMACSignatureService) Sign(params map[string]string) (string, error) {
	if !withinLimits(params) {
		return "", fmt.Errorf("parameter set exceeds signing limits")
	}
	digest := sha256.Sum256([]byte(canonicalize(params)))
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the MAC and compares in constant time.
func (s *HMACSignatureService) Verify(params map[string]string, signature string) bool {
	if !withinLimits(params) {
		return false
	}
	expected, err := s.Sign(params)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

func parseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PEM block is not an RSA private key")
	}
	return key, nil
}

func parseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PEM block is not an RSA public key")
	}
	return key, nil
}
