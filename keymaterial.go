package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Decrypter recovers the plaintext of a subscription field stored encrypted.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// AESGCMCipher seals subscription fields at rest with AES-256-GCM under a
// configured key and nonce. Ciphertexts are standard base64.
type AESGCMCipher struct {
	aead  cipher.AEAD
	nonce []byte
}

var _ Decrypter = (*AESGCMCipher)(nil)

// NewAESGCMCipher returns a cipher for a 32-byte key and 12-byte nonce.
func NewAESGCMCipher(key, nonce []byte) (*AESGCMCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("secret nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return &AESGCMCipher{aead: aead, nonce: append([]byte(nil), nonce...)}, nil
}

// Encrypt seals plaintext and returns it base64-encoded.
func (c *AESGCMCipher) Encrypt(plaintext string) string {
	return base64.StdEncoding.EncodeToString(c.aead.Seal(nil, c.nonce, []byte(plaintext), nil))
}

// Decrypt opens a value produced by Encrypt.
func (c *AESGCMCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	plaintext, err := c.aead.Open(nil, c.nonce, raw, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealSubscription encrypts the fields of a browser subscription for storage.
// p256dh and auth are the base64url strings handed out by PushManager.
func (c *AESGCMCipher) SealSubscription(endpoint, p256dh, auth string) *StoredSubscription {
	return &StoredSubscription{
		ID:        uuid.New(),
		Endpoint:  c.Encrypt(endpoint),
		P256dhKey: c.Encrypt(p256dh),
		AuthKey:   c.Encrypt(auth),
	}
}

// StoredSubscription is a push subscription as kept at rest: every field
// but ID is encrypted.
type StoredSubscription struct {
	ID        uuid.UUID `json:"id"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
}

// KeyMaterial is the decrypted, decoded input of one push message.
type KeyMaterial struct {
	Endpoint        string
	P256dh          []byte
	Auth            []byte
	VAPIDPrivateKey []byte
	AppOwnerEmail   string
}

// LoadKeyMaterial decrypts sub with dec and decodes its keys together with
// the VAPID key of cfg. It returns either everything or an error.
func LoadKeyMaterial(sub *StoredSubscription, cfg *Config, dec Decrypter) (*KeyMaterial, error) {
	if sub == nil {
		return nil, ErrorDecryption.New("no subscription")
	}

	var fields [3]string
	for i, ciphertext := range [...]string{sub.Endpoint, sub.P256dhKey, sub.AuthKey} {
		plaintext, err := dec.Decrypt(ciphertext)
		if err != nil {
			return nil, ErrorDecryption.Wrap(fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
		fields[i] = plaintext
	}

	p256dh, err := decodeSubscriptionKey(fields[1])
	if err != nil {
		return nil, ErrorEncoding.Wrap(fmt.Errorf("p256dh: %w", err))
	}
	auth, err := decodeSubscriptionKey(fields[2])
	if err != nil {
		return nil, ErrorEncoding.Wrap(fmt.Errorf("auth: %w", err))
	}
	vapidKey, err := decodeVAPIDPrivateKey(cfg.VAPIDPrivateKey)
	if err != nil {
		return nil, ErrorEncoding.Wrap(fmt.Errorf("vapid private key: %w", err))
	}
	if len(vapidKey) != 32 {
		return nil, ErrorSigning.Wrap(errors.New("vapid private key must be 32 bytes"))
	}

	return &KeyMaterial{
		Endpoint:        fields[0],
		P256dh:          p256dh,
		Auth:            auth,
		VAPIDPrivateKey: vapidKey,
		AppOwnerEmail:   cfg.AppOwnerEmail,
	}, nil
}
