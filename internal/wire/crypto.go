package wire

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

var ErrAuthFailed = errors.New("wire: token authentication failed")

// Cipher seals and opens frame fields with Fernet (AES-128-CBC +
// HMAC-SHA256, urlsafe-base64 tokens). Both peers must hold the same
// key.
type Cipher struct {
	key  *fernet.Key
	keys []*fernet.Key
}

// NewCipher parses a urlsafe-base64 encoded 32-byte key.
func NewCipher(encodedKey string) (*Cipher, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return &Cipher{key: key, keys: []*fernet.Key{key}}, nil
}

// Seal encrypts and signs b. Sealing an empty payload yields an empty
// payload so zero-data frames stay zero-data.
func (c *Cipher) Seal(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return fernet.EncryptAndSign(b, c.key)
}

// Open verifies and decrypts b. Tokens never expire; freshness is not
// part of the transport contract.
func (c *Cipher) Open(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	msg := fernet.VerifyAndDecrypt(b, 0, c.keys)
	if msg == nil {
		return nil, ErrAuthFailed
	}
	return msg, nil
}

// GenerateKey returns a fresh key in the key-file encoding.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", err
	}
	return key.Encode(), nil
}
