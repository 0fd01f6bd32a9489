package webpush

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the process-wide push configuration. It is loaded once and
// must not be modified afterwards.
type Config struct {
	VAPIDPrivateKey string        `ini:"VAPID_PRIVATE_KEY"`
	AppOwnerEmail   string        `ini:"APP_OWNER_EMAIL"`
	SecretKey       string        `ini:"SECRET_KEY"`
	SecretNonce     string        `ini:"SECRET_NONCE"`
	TTL             int           `ini:"TTL"`
	Timeout         time.Duration `ini:"TIMEOUT"`
	RecordSize      uint32        `ini:"RECORD_SIZE"`
}

// LoadConfig reads the [webpush] section from source, which is a file name
// or []byte as accepted by ini.Load.
func LoadConfig(source any) (*Config, error) {
	cfg, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return loadConfigFrom(cfg)
}

func loadConfigFrom(rootCfg *ini.File) (*Config, error) {
	sec := rootCfg.Section("webpush")
	sec.Key("TTL").MustInt(24 * 60 * 60)
	sec.Key("TIMEOUT").MustDuration(10 * time.Second)
	sec.Key("RECORD_SIZE").MustUint(0)

	c := &Config{}
	if err := sec.MapTo(c); err != nil {
		return nil, fmt.Errorf("mapping [webpush] section: %w", err)
	}
	if c.VAPIDPrivateKey == "" {
		return nil, errors.New("[webpush] VAPID_PRIVATE_KEY is required")
	}
	if c.AppOwnerEmail == "" {
		return nil, errors.New("[webpush] APP_OWNER_EMAIL is required")
	}
	if c.TTL < 0 {
		return nil, fmt.Errorf("[webpush] TTL must not be negative, got %d", c.TTL)
	}
	return c, nil
}

// Cipher returns the at-rest cipher configured by SECRET_KEY and SECRET_NONCE.
func (c *Config) Cipher() (*AESGCMCipher, error) {
	key, err := base64.StdEncoding.DecodeString(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("[webpush] SECRET_KEY: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(c.SecretNonce)
	if err != nil {
		return nil, fmt.Errorf("[webpush] SECRET_NONCE: %w", err)
	}
	return NewAESGCMCipher(key, nonce)
}

// Options returns request options carrying the configured defaults.
func (c *Config) Options() *Options {
	return &Options{
		TTL:        c.TTL,
		RecordSize: c.RecordSize,
		Urgency:    UrgencyNormal,
	}
}
