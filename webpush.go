package webpush

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// MaxRecordSize is the largest record RFC 8188 recommends push services to
// accept. It is not enforced unless passed as Options.RecordSize.
const MaxRecordSize uint32 = 4096

const (
	saltLength     = 16
	authLength     = 16
	ikmLength      = 32
	cekLength      = 16
	nonceLength    = 12
	aeadTagLength  = 16
	recordOverhead = 1 + aeadTagLength // padding delimiter + tag

	// paddingDelimiterLast marks the final (here: only) record.
	paddingDelimiterLast = 0x02
)

var (
	invalidAuthKeyLength = errors.New("invalid auth key length (must be 16)")

	defaultHTTPClient HTTPClient = &http.Client{}

	defaultEncryptor = &Encryptor{}
)

// HTTPClient is an interface for sending the notification HTTP request / testing
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Options are config and extra params needed to send a notification
type Options struct {
	HTTPClient      HTTPClient // Will replace with *http.Client by default if not included
	RecordSize      uint32     // Declared record size; 0 sizes the record to the message
	Subscriber      string     // Sub in VAPID JWT token
	Topic           string     // Set the Topic header to collapse a pending messages (Optional)
	TTL             int        // Set the TTL on the endpoint POST request, in seconds
	Urgency         Urgency    // Set the Urgency header to change a message priority (defaults to normal)
	VAPIDKeys       *VAPIDKeys // VAPID public-private keypair to generate the VAPID Authorization header
	VapidExpiration time.Time  // optional expiration for VAPID JWT token (defaults to now + 23 hours)
}

// Keys represents a subscription's keys (its ECDH public key on the P-256 curve
// and its 16-byte authentication secret).
type Keys struct {
	Auth   [16]byte
	P256dh *ecdh.PublicKey
}

// NewKeys validates raw subscription key bytes.
func NewKeys(auth, p256dh []byte) (keys Keys, err error) {
	if len(auth) != authLength {
		return keys, ErrorInvalidKey.Wrap(invalidAuthKeyLength)
	}
	copy(keys.Auth[:], auth)
	keys.P256dh, err = ecdh.P256().NewPublicKey(p256dh)
	if err != nil {
		return Keys{}, ErrorInvalidKey.Wrap(err)
	}
	return keys, nil
}

// Equal compares two Keys for equality.
func (k *Keys) Equal(o Keys) bool {
	return k.Auth == o.Auth && k.P256dh.Equal(o.P256dh)
}

var _ json.Marshaler = (*Keys)(nil)
var _ json.Unmarshaler = (*Keys)(nil)

type marshaledKeys struct {
	Auth   string `json:"auth"`
	P256dh string `json:"p256dh"`
}

// MarshalJSON implements json.Marshaler, allowing serialization to JSON.
func (k *Keys) MarshalJSON() ([]byte, error) {
	m := marshaledKeys{
		Auth:   base64.RawURLEncoding.EncodeToString(k.Auth[:]),
		P256dh: base64.RawURLEncoding.EncodeToString(k.P256dh.Bytes()),
	}
	return json.Marshal(&m)
}

// UnmarshalJSON implements json.Unmarshaler, allowing deserialization from JSON.
func (k *Keys) UnmarshalJSON(b []byte) error {
	var m marshaledKeys
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	keys, err := DecodeSubscriptionKeys(m.Auth, m.P256dh)
	if err != nil {
		return err
	}
	*k = keys
	return nil
}

// DecodeSubscriptionKeys decodes and validates a base64-encoded pair of subscription keys
// (the authentication secret and ECDH public key).
func DecodeSubscriptionKeys(auth, p256dh string) (Keys, error) {
	authBytes, err := decodeSubscriptionKey(auth)
	if err != nil {
		return Keys{}, ErrorEncoding.Wrap(fmt.Errorf("auth: %w", err))
	}
	dhBytes, err := decodeSubscriptionKey(p256dh)
	if err != nil {
		return Keys{}, ErrorEncoding.Wrap(fmt.Errorf("p256dh: %w", err))
	}
	return NewKeys(authBytes, dhBytes)
}

// Subscription represents a PushSubscription object from the Push API
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Encryptor produces RFC 8291 message bodies. The zero value draws its
// randomness from crypto/rand and is safe for concurrent use.
type Encryptor struct {
	// Rand is the source of salts and ephemeral keys.
	Rand io.Reader
}

func (e *Encryptor) randReader() io.Reader {
	if e == nil || e.Rand == nil {
		return rand.Reader
	}
	return e.Rand
}

// Encrypt encrypts plaintext for the subscriber identified by the raw
// uncompressed p256dh point and 16-byte auth secret, as a single record.
func (e *Encryptor) Encrypt(p256dh, auth, plaintext []byte) ([]byte, error) {
	keys, err := NewKeys(auth, p256dh)
	if err != nil {
		return nil, err
	}
	return e.EncryptNotification(plaintext, keys, 0)
}

// EncryptNotification implements the encryption algorithm specified by RFC 8291 for web push
// (RFC 8188's aes128gcm content-encoding, with the key material derived from
// elliptic curve Diffie-Hellman over the P-256 curve).
//
// The message is always emitted as one final record. A zero recordSize
// declares rs as exactly the record length; otherwise recordSize is written
// to the header and the message must fit in it.
func (e *Encryptor) EncryptNotification(message []byte, keys Keys, recordSize uint32) ([]byte, error) {
	if keys.P256dh == nil {
		return nil, ErrorInvalidKey.New("missing p256dh key")
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(e.randReader(), salt); err != nil {
		return nil, ErrorEncryption.Wrap(fmt.Errorf("generating salt: %w", err))
	}

	// Application server key pairs (single use)
	localPrivateKey, err := ecdh.P256().GenerateKey(e.randReader())
	if err != nil {
		return nil, ErrorEncryption.Wrap(fmt.Errorf("generating ephemeral key: %w", err))
	}

	return encryptRecord(message, keys, salt, localPrivateKey, recordSize)
}

// EncryptNotification encrypts message with the default Encryptor.
func EncryptNotification(message []byte, keys Keys, recordSize uint32) ([]byte, error) {
	return defaultEncryptor.EncryptNotification(message, keys, recordSize)
}

// encryptRecord is deterministic given salt and localPrivateKey.
func encryptRecord(message []byte, keys Keys, salt []byte, localPrivateKey *ecdh.PrivateKey, recordSize uint32) ([]byte, error) {
	needed := uint64(len(message)) + recordOverhead
	if recordSize == 0 {
		if needed > math.MaxUint32 {
			return nil, ErrorRecordTooLarge.Wrap(fmt.Errorf("record of %d bytes overflows rs", needed))
		}
		recordSize = uint32(needed)
	} else if needed > uint64(recordSize) {
		return nil, ErrorRecordTooLarge.Wrap(fmt.Errorf("need %d bytes, record size is %d", needed, recordSize))
	}

	localPublicKeyBytes := localPrivateKey.PublicKey().Bytes()

	// Combine application keys with receiver's EC public key to derive ECDH shared secret
	sharedECDHSecret, err := localPrivateKey.ECDH(keys.P256dh)
	if err != nil {
		return nil, ErrorInvalidKey.Wrap(fmt.Errorf("deriving shared secret: %w", err))
	}

	contentEncryptionKey, nonce, err := deriveContentKeys(sharedECDHSecret, keys.Auth[:], keys.P256dh.Bytes(), localPublicKeyBytes, salt)
	if err != nil {
		return nil, ErrorEncryption.Wrap(err)
	}

	c, err := aes.NewCipher(contentEncryptionKey)
	if err != nil {
		return nil, ErrorEncryption.Wrap(err)
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, ErrorEncryption.Wrap(err)
	}

	// Encryption Content-Coding Header
	// +-----------+--------+-----------+---------------+
	// | salt (16) | rs (4) | idlen (1) | keyid (idlen) |
	// +-----------+--------+-----------+---------------+
	headerLen := saltLength + 4 + 1 + len(localPublicKeyBytes)
	body := make([]byte, 0, headerLen+int(needed))
	body = append(body, salt...)
	body = binary.BigEndian.AppendUint32(body, recordSize)
	body = append(body, byte(len(localPublicKeyBytes)))
	body = append(body, localPublicKeyBytes...)

	plaintext := make([]byte, len(message)+1)
	copy(plaintext, message)
	plaintext[len(message)] = paddingDelimiterLast

	return gcm.Seal(body, recordNonce(nonce, 0), plaintext, nil), nil
}

// deriveContentKeys derives the content encryption key and the base nonce
// from the ECDH secret (RFC 8291 section 3.4, RFC 8188 section 2.2).
func deriveContentKeys(sharedECDHSecret, auth, userAgentPublicKey, applicationServerPublicKey, salt []byte) (cek, nonce []byte, err error) {
	hash := sha256.New

	// ikm
	prkInfoBuf := bytes.NewBuffer([]byte("WebPush: info\x00"))
	prkInfoBuf.Write(userAgentPublicKey)
	prkInfoBuf.Write(applicationServerPublicKey)

	prkHKDF := hkdf.New(hash, sharedECDHSecret, auth, prkInfoBuf.Bytes())
	ikm, err := getHKDFKey(prkHKDF, ikmLength)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving ikm: %w", err)
	}

	// Derive Content Encryption Key
	contentEncryptionKeyInfo := []byte("Content-Encoding: aes128gcm\x00")
	contentHKDF := hkdf.New(hash, ikm, salt, contentEncryptionKeyInfo)
	cek, err = getHKDFKey(contentHKDF, cekLength)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving content encryption key: %w", err)
	}

	// Derive the Nonce
	nonceInfo := []byte("Content-Encoding: nonce\x00")
	nonceHKDF := hkdf.New(hash, ikm, salt, nonceInfo)
	nonce, err = getHKDFKey(nonceHKDF, nonceLength)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving nonce: %w", err)
	}

	return cek, nonce, nil
}

// recordNonce XORs the base nonce with the 96-bit big-endian sequence number.
func recordNonce(base []byte, seq uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(seq >> (8 * i))
	}
	return nonce
}

// PushRequest is an encrypted, authorized message ready to be POSTed to URL.
type PushRequest struct {
	URL    string
	Body   []byte
	Header http.Header
}

// NewHTTPRequest returns the POST request for r bound to ctx.
func (r *PushRequest) NewHTTPRequest(ctx context.Context) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	return req, nil
}

// NewPushRequest encrypts message for s and signs a VAPID header with
// options.VAPIDKeys.
func NewPushRequest(message []byte, s *Subscription, options *Options) (*PushRequest, error) {
	body, err := EncryptNotification(message, s.Keys, options.RecordSize)
	if err != nil {
		return nil, err
	}

	vapidAuthHeader, err := getVAPIDAuthorizationHeader(
		s.Endpoint,
		options.Subscriber,
		options.VAPIDKeys,
		options.VapidExpiration,
	)
	if err != nil {
		return nil, err
	}

	return newPushRequest(s.Endpoint, body, vapidAuthHeader, options), nil
}

func newPushRequest(endpoint string, body []byte, vapidAuthHeader string, options *Options) *PushRequest {
	header := make(http.Header)
	header.Set("Content-Encoding", "aes128gcm")
	header.Set("Content-Type", "application/octet-stream")
	header.Set("TTL", strconv.Itoa(options.TTL))

	// Optional headers
	if len(options.Topic) > 0 {
		header.Set("Topic", options.Topic)
	}

	urgency := options.Urgency
	if !isValidUrgency(urgency) {
		urgency = UrgencyNormal
	}
	header.Set("Urgency", string(urgency))

	header.Set("Authorization", vapidAuthHeader)

	return &PushRequest{URL: endpoint, Body: body, Header: header}
}

// SendNotification sends a push notification to a subscription's endpoint,
// applying encryption (RFC 8291) and adding a VAPID header (RFC 8292).
func SendNotification(ctx context.Context, message []byte, s *Subscription, options *Options) (*http.Response, error) {
	pr, err := NewPushRequest(message, s, options)
	if err != nil {
		return nil, err
	}
	return send(ctx, pr, options.HTTPClient)
}

func send(ctx context.Context, pr *PushRequest, client HTTPClient) (*http.Response, error) {
	req, err := pr.NewHTTPRequest(ctx)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = defaultHTTPClient
	}
	return client.Do(req)
}

// decodeSubscriptionKey decodes a base64 subscription key.
func decodeSubscriptionKey(key string) ([]byte, error) {
	key = strings.TrimRight(key, "=")

	if strings.IndexByte(key, '+') != -1 || strings.IndexByte(key, '/') != -1 {
		return base64.RawStdEncoding.DecodeString(key)
	}
	return base64.RawURLEncoding.DecodeString(key)
}

// Returns a key of length "length" given an hkdf function
func getHKDFKey(hkdf io.Reader, length int) ([]byte, error) {
	key := make([]byte, length)
	n, err := io.ReadFull(hkdf, key)
	if n != len(key) || err != nil {
		return key, err
	}

	return key, nil
}
