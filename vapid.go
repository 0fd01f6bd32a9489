package webpush

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultVAPIDExpiration keeps tokens under the 24 hour maximum push
// services accept.
const DefaultVAPIDExpiration = 23 * time.Hour

// VAPIDKeys is a public-private keypair for use in VAPID.
// It marshals to a JSON string containing a PEM of the PKCS8
// of the private key.
type VAPIDKeys struct {
	privateKey *ecdsa.PrivateKey
	publicKey  string // raw bytes encoding in urlsafe base64, as per RFC
}

// PublicKeyString returns the base64url-encoded uncompressed public key of the keypair,
// as defined in RFC8292.
func (v *VAPIDKeys) PublicKeyString() string {
	return v.publicKey
}

// PrivateKeyString returns the base64url-encoded raw private scalar, the
// format used by VAPID_PRIVATE_KEY.
func (v *VAPIDKeys) PrivateKeyString() string {
	return base64.RawURLEncoding.EncodeToString(v.privateKey.D.FillBytes(make([]byte, 32)))
}

// PrivateKey returns the private key of the keypair.
func (v *VAPIDKeys) PrivateKey() *ecdsa.PrivateKey {
	return v.privateKey
}

// Equal compares two VAPIDKeys for equality.
func (v *VAPIDKeys) Equal(o *VAPIDKeys) bool {
	return v.privateKey.Equal(o.privateKey)
}

var _ json.Marshaler = (*VAPIDKeys)(nil)
var _ json.Unmarshaler = (*VAPIDKeys)(nil)

// MarshalJSON implements json.Marshaler, allowing serialization to JSON.
func (v *VAPIDKeys) MarshalJSON() ([]byte, error) {
	pkcs8bytes, err := x509.MarshalPKCS8PrivateKey(v.privateKey)
	if err != nil {
		return nil, err
	}
	pemBlock := pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: pkcs8bytes,
	}
	pemBytes := pem.EncodeToMemory(&pemBlock)
	if pemBytes == nil {
		return nil, errors.New("could not encode VAPID keys as PEM")
	}
	return json.Marshal(string(pemBytes))
}

// UnmarshalJSON implements json.Unmarshaler, allowing deserialization from JSON.
func (v *VAPIDKeys) UnmarshalJSON(b []byte) error {
	var pemKey string
	if err := json.Unmarshal(b, &pemKey); err != nil {
		return err
	}
	pemBlock, _ := pem.Decode([]byte(pemKey))
	if pemBlock == nil {
		return errors.New("could not decode PEM block with VAPID keys")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
	if err != nil {
		return err
	}
	privateKey, ok := privKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("invalid type of private key %T", privKey)
	}
	keys, err := ECDSAToVAPIDKeys(privateKey)
	if err != nil {
		return err
	}
	*v = *keys
	return nil
}

// GenerateVAPIDKeys generates a VAPID keypair (an ECDSA keypair on
// the P-256 curve).
func GenerateVAPIDKeys() (result *VAPIDKeys, err error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	return newVAPIDKeys(private)
}

// ECDSAToVAPIDKeys wraps an existing ecdsa.PrivateKey in VAPIDKeys for use in
// VAPID header signing.
func ECDSAToVAPIDKeys(privKey *ecdsa.PrivateKey) (result *VAPIDKeys, err error) {
	if privKey.Curve != elliptic.P256() {
		return nil, errors.New("invalid curve for private key")
	}
	ecdhPrivKey, err := privKey.ECDH()
	if err != nil {
		return nil, err
	}
	return newVAPIDKeys(ecdhPrivKey)
}

// NewVAPIDKeysFromScalar builds VAPIDKeys from the raw 32-byte P-256
// private scalar.
func NewVAPIDKeysFromScalar(scalar []byte) (*VAPIDKeys, error) {
	private, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, ErrorSigning.Wrap(err)
	}
	keys, err := newVAPIDKeys(private)
	if err != nil {
		return nil, ErrorSigning.Wrap(err)
	}
	return keys, nil
}

// DecodeLegacyVAPIDPrivateKey decodes the legacy string private key format
// returned by GenerateVAPIDKeys in v1: the raw scalar in base64url.
func DecodeLegacyVAPIDPrivateKey(key string) (*VAPIDKeys, error) {
	bytes, err := decodeVAPIDPrivateKey(key)
	if err != nil {
		return nil, ErrorEncoding.Wrap(err)
	}
	return NewVAPIDKeysFromScalar(bytes)
}

func decodeVAPIDPrivateKey(key string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
}

func newVAPIDKeys(private *ecdh.PrivateKey) (*VAPIDKeys, error) {
	ecdsaPrivKey, err := ecdhPrivateKeyToECDSA(private)
	if err != nil {
		return nil, err
	}
	return &VAPIDKeys{
		privateKey: ecdsaPrivKey,
		publicKey:  base64.RawURLEncoding.EncodeToString(private.PublicKey().Bytes()),
	}, nil
}

// ecdhPublicKeyToECDSA converts between the two key representations of the
// NIST curves; crypto/ecdsa still signs with the big.Int form.
func ecdhPublicKeyToECDSA(key *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	rawKey := key.Bytes()
	var curve elliptic.Curve
	switch key.Curve() {
	case ecdh.P256():
		curve = elliptic.P256()
	case ecdh.P384():
		curve = elliptic.P384()
	case ecdh.P521():
		curve = elliptic.P521()
	default:
		return nil, errors.New("cannot convert non-NIST *ecdh.PublicKey to *ecdsa.PublicKey")
	}
	byteLen := (len(rawKey) - 1) / 2
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(rawKey[1 : 1+byteLen]),
		Y:     new(big.Int).SetBytes(rawKey[1+byteLen:]),
	}, nil
}

func ecdhPrivateKeyToECDSA(key *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	pubKey, err := ecdhPublicKeyToECDSA(key.PublicKey())
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{
		PublicKey: *pubKey,
		D:         new(big.Int).SetBytes(key.Bytes()),
	}, nil
}

// vapidAudience returns the origin of endpoint, the aud claim of RFC 8292.
func vapidAudience(endpoint string) (string, error) {
	subURL, err := url.Parse(endpoint)
	if err != nil {
		return "", ErrorInvalidEndpoint.Wrap(err)
	}
	if subURL.Scheme == "" || subURL.Host == "" {
		return "", ErrorInvalidEndpoint.Wrap(fmt.Errorf("endpoint %q is not an absolute URL", endpoint))
	}
	return subURL.Scheme + "://" + subURL.Host, nil
}

// vapidSubject prefixes a bare contact address with mailto:.
func vapidSubject(subscriber string) string {
	if strings.HasPrefix(subscriber, "https:") || strings.HasPrefix(subscriber, "mailto:") {
		return subscriber
	}
	return "mailto:" + subscriber
}

// BuildAuthorizationHeader returns the "vapid t=<jwt>, k=<key>" value for a
// push to endpoint, signed with the raw 32-byte VAPID private scalar. A zero
// expiration means now + DefaultVAPIDExpiration.
func BuildAuthorizationHeader(endpoint string, vapidPrivateKey []byte, appOwnerEmail string, expiration time.Time) (string, error) {
	aud, err := vapidAudience(endpoint)
	if err != nil {
		return "", err
	}
	keys, err := NewVAPIDKeysFromScalar(vapidPrivateKey)
	if err != nil {
		return "", err
	}
	return signVAPID(aud, vapidSubject(appOwnerEmail), keys, expiration)
}

// getVAPIDAuthorizationHeader generates the VAPID authorization header value
func getVAPIDAuthorizationHeader(
	endpoint string,
	subscriber string,
	vapidKeys *VAPIDKeys,
	expiration time.Time,
) (string, error) {
	aud, err := vapidAudience(endpoint)
	if err != nil {
		return "", err
	}
	return signVAPID(aud, vapidSubject(subscriber), vapidKeys, expiration)
}

func signVAPID(aud, sub string, vapidKeys *VAPIDKeys, expiration time.Time) (string, error) {
	if vapidKeys == nil || vapidKeys.privateKey == nil {
		return "", ErrorSigning.New("no VAPID keys")
	}
	if expiration.IsZero() {
		expiration = time.Now().Add(DefaultVAPIDExpiration)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": aud,
		"exp": expiration.Unix(),
		"sub": sub,
	})

	jwtString, err := token.SignedString(vapidKeys.privateKey)
	if err != nil {
		return "", ErrorSigning.Wrap(err)
	}

	return "vapid t=" + jwtString + ", k=" + vapidKeys.publicKey, nil
}
