package crypto

import "testing"

type memStore map[string]string

func (m memStore) GetSetting(key string) (string, error) { return m[key], nil }
func (m memStore) SetSetting(key, value string) error    { m[key] = value; return nil }

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(memStore{})
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plain := "s3cret-api-token"
	enc, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc == plain {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != plain {
		t.Errorf("round trip mismatch: %q", dec)
	}
}

func TestKeyPersistsAcrossInstances(t *testing.T) {
	store := memStore{}

	first, err := New(store)
	if err != nil {
		t.Fatalf("first cipher: %v", err)
	}
	enc, err := first.Encrypt("hello")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	second, err := New(store)
	if err != nil {
		t.Fatalf("second cipher: %v", err)
	}
	dec, err := second.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt with reloaded key: %v", err)
	}
	if dec != "hello" {
		t.Errorf("round trip mismatch: %q", dec)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, err := New(memStore{})
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := c.Decrypt("not-a-fernet-token"); err == nil {
		t.Error("expected an error for a bad token")
	}
}

func TestDecryptEmptyIsEmpty(t *testing.T) {
	c, err := New(memStore{})
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	out, err := c.Decrypt("")
	if err != nil || out != "" {
		t.Errorf("empty ciphertext should decrypt to empty, got %q %v", out, err)
	}
}
