package ledger

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	SchemeHMAC      = "hmac-sha256"
	SchemeSecp256k1 = "secp256k1"
)

// Signer signs receipt digests. Implementations must be safe for
// concurrent use.
type Signer interface {
	Scheme() string
	// Address identifies the public key for asymmetric schemes, "" otherwise.
	Address() string
	Sign(digest []byte) ([]byte, error)
	Verify(digest, sig []byte) bool
}

// HMACSigner is a keyed SHA-256 over the digest. Verification needs the
// same secret, so it only proves integrity to the gateway itself.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret)}
}

func (s *HMACSigner) Scheme() string  { return SchemeHMAC }
func (s *HMACSigner) Address() string { return "" }

func (s *HMACSigner) Sign(digest []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(digest)
	return mac.Sum(nil), nil
}

func (s *HMACSigner) Verify(digest, sig []byte) bool {
	expected, _ := s.Sign(digest)
	return hmac.Equal(expected, sig)
}

// ECDSASigner produces 65-byte [R || S || V] secp256k1 signatures that any
// holder of the gateway address can check.
type ECDSASigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewECDSASigner parses a hex private key, with or without 0x prefix.
func NewECDSASigner(hexKey string) (*ECDSASigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &ECDSASigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *ECDSASigner) Scheme() string  { return SchemeSecp256k1 }
func (s *ECDSASigner) Address() string { return s.addr.Hex() }

func (s *ECDSASigner) Sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

func (s *ECDSASigner) Verify(digest, sig []byte) bool {
	return VerifyAddress(digest, sig, s.addr)
}

// VerifyAddress checks a secp256k1 signature against a signer address
// without needing the private key.
func VerifyAddress(digest, sig []byte, addr common.Address) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == addr
}

// NewSigner picks secp256k1 when a signing key is configured and falls back
// to HMAC over the shared secret.
func NewSigner(signingKey, hmacSecret string) (Signer, error) {
	if signingKey != "" {
		return NewECDSASigner(signingKey)
	}
	if hmacSecret == "" {
		return nil, fmt.Errorf("either a signing key or an HMAC secret is required")
	}
	return NewHMACSigner(hmacSecret), nil
}
