package webpush

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

// testUserAgent is the browser side of a subscription.
type testUserAgent struct {
	priv *ecdh.PrivateKey
	auth [16]byte
}

func newTestUserAgent(t testing.TB) *testUserAgent {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	ua := &testUserAgent{priv: priv}
	_, err = rand.Read(ua.auth[:])
	require.NoError(t, err)
	return ua
}

func (ua *testUserAgent) keys() Keys {
	return Keys{Auth: ua.auth, P256dh: ua.priv.PublicKey()}
}

func (ua *testUserAgent) p256dh() string {
	return base64.RawURLEncoding.EncodeToString(ua.priv.PublicKey().Bytes())
}

func (ua *testUserAgent) authSecret() string {
	return base64.RawURLEncoding.EncodeToString(ua.auth[:])
}

func (ua *testUserAgent) decrypt(body []byte) ([]byte, error) {
	return decryptNotification(body, ua.auth[:], ua.priv)
}

// decryptNotification decodes a single-record aes128gcm body the way a
// user agent does (RFC 8291 section 3.4, RFC 8188 section 2).
func decryptNotification(body, authSecret []byte, userAgentKey *ecdh.PrivateKey) ([]byte, error) {
	// +-----------+--------+-----------+---------------+
	// | salt (16) | rs (4) | idlen (1) | keyid (idlen) |
	// +-----------+--------+-----------+---------------+
	if len(body) < 21 {
		return nil, errors.New("body too short")
	}
	salt := body[:16]
	recordSize := binary.BigEndian.Uint32(body[16:20])
	idLen := int(body[20])
	if len(body) < 21+idLen {
		return nil, errors.New("body too short for keyid")
	}
	keyID, ciphertext := body[21:21+idLen], body[21+idLen:]
	if uint64(len(ciphertext)) > uint64(recordSize) {
		return nil, fmt.Errorf("%d bytes of ciphertext exceed rs %d", len(ciphertext), recordSize)
	}

	applicationServerKey, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("keyid: %w", err)
	}
	ecdhSecret, err := userAgentKey.ECDH(applicationServerKey)
	if err != nil {
		return nil, err
	}

	prk := hkdf.Extract(sha256.New, ecdhSecret, authSecret)
	keyInfo := bytes.Join([][]byte{
		[]byte("WebPush: info\x00"),
		userAgentKey.PublicKey().Bytes(),
		applicationServerKey.Bytes(),
	}, nil)
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, keyInfo), ikm); err != nil {
		return nil, err
	}

	prk = hkdf.Extract(sha256.New, ikm, salt)
	cek := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	end := len(plaintext)
	for end > 0 && plaintext[end-1] == 0x00 {
		end--
	}
	if end == 0 || plaintext[end-1] != 0x02 {
		return nil, errors.New("missing last-record padding delimiter")
	}
	return plaintext[:end-1], nil
}

// testConfig returns a Config with fresh keys and its at-rest cipher.
func testConfig(t testing.TB) (*Config, *AESGCMCipher, *VAPIDKeys) {
	t.Helper()
	vapidKeys, err := GenerateVAPIDKeys()
	require.NoError(t, err)

	secret := make([]byte, 32+12)
	_, err = rand.Read(secret)
	require.NoError(t, err)

	cfg := &Config{
		VAPIDPrivateKey: vapidKeys.PrivateKeyString(),
		AppOwnerEmail:   "owner@example.com",
		SecretKey:       base64.StdEncoding.EncodeToString(secret[:32]),
		SecretNonce:     base64.StdEncoding.EncodeToString(secret[32:]),
		TTL:             60,
	}
	c, err := cfg.Cipher()
	require.NoError(t, err)
	return cfg, c, vapidKeys
}
