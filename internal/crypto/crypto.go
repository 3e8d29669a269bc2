package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// KeyStore persists the fernet key so encrypted spec values survive
// restarts. Implemented by the stats settings table.
type KeyStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

const settingKey = "fernet_key"

type Cipher struct {
	key *fernet.Key
}

// New loads the fernet key from the store, generating and persisting
// one on first use.
func New(store KeyStore) (*Cipher, error) {
	keyStr, err := store.GetSetting(settingKey)
	if err != nil {
		// A read failure must not rotate the key; existing ciphertexts
		// would become unreadable.
		return nil, fmt.Errorf("load fernet key: %w", err)
	}
	if keyStr == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := store.SetSetting(settingKey, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &Cipher{key: &k}, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Cipher{key: key}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{c.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}
