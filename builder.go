package webpush

import (
	"time"
)

// Builder turns stored subscriptions into push requests. It only reads its
// configuration and may be shared between goroutines.
type Builder struct {
	config    *Config
	decrypter Decrypter
	encryptor *Encryptor
	now       func() time.Time
}

// NewBuilder returns a Builder using cfg for the VAPID identity and dec for
// the at-rest subscription fields.
func NewBuilder(cfg *Config, dec Decrypter) *Builder {
	return &Builder{
		config:    cfg,
		decrypter: dec,
		encryptor: defaultEncryptor,
		now:       time.Now,
	}
}

// WithEncryptor returns a copy of b drawing randomness through e.
func (b *Builder) WithEncryptor(e *Encryptor) *Builder {
	nb := *b
	nb.encryptor = e
	return &nb
}

// Build encrypts message for sub and signs it with the configured VAPID
// key. options may be nil, in which case the configured defaults apply;
// its Subscriber and VAPIDKeys fields are ignored.
func (b *Builder) Build(sub *StoredSubscription, message []byte, options *Options) (*PushRequest, error) {
	if options == nil {
		options = b.config.Options()
	}

	material, err := LoadKeyMaterial(sub, b.config, b.decrypter)
	if err != nil {
		return nil, err
	}

	keys, err := NewKeys(material.Auth, material.P256dh)
	if err != nil {
		return nil, err
	}
	body, err := b.encryptor.EncryptNotification(message, keys, options.RecordSize)
	if err != nil {
		return nil, err
	}

	expiration := options.VapidExpiration
	if expiration.IsZero() {
		expiration = b.now().Add(DefaultVAPIDExpiration)
	}
	authorization, err := BuildAuthorizationHeader(material.Endpoint, material.VAPIDPrivateKey, material.AppOwnerEmail, expiration)
	if err != nil {
		return nil, err
	}

	return newPushRequest(material.Endpoint, body, authorization, options), nil
}
