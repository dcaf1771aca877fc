// Package crypto seals origin credentials (custom headers, MCP connection
// headers) at rest with Fernet.
package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// KeyStore persists a generated key when none is configured.
type KeyStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

const settingKey = "fernet_key"

type Sealer struct {
	key *fernet.Key
}

// NewSealer uses the configured key, or loads (generating on first use)
// one from the settings store.
func NewSealer(configured string, ks KeyStore) (*Sealer, error) {
	if configured != "" {
		key, err := fernet.DecodeKey(configured)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		return &Sealer{key: key}, nil
	}

	keyStr, err := ks.GetSetting(settingKey)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := ks.SetSetting(settingKey, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &Sealer{key: &k}, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of a secret header value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

// MaskHeaders returns a copy of h with every value masked.
func MaskHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = Mask(v)
	}
	return out
}
