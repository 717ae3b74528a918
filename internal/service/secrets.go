package service

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedAlg = "aes-gcm-v1"

var ErrConfigSealed = errors.New("app config is encrypted and no encryption key is configured")

type sealedValue struct {
	Enc   string `json:"enc"`
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// ConfigCipher encrypts credential settings of an app config at rest.
// Only top-level string values under sensitive keys are sealed; the rest stays queryable.
// A nil *ConfigCipher stores plaintext.
type ConfigCipher struct {
	primary cipher.AEAD
	keys    []cipher.AEAD
}

// NewConfigCipher returns nil when no primary key is set. The previous key is only used to open.
func NewConfigCipher(primary, previous string) (*ConfigCipher, error) {
	primary = strings.TrimSpace(primary)
	if primary == "" {
		return nil, nil
	}
	c := &ConfigCipher{}
	for i, k := range []string{primary, strings.TrimSpace(previous)} {
		if k == "" || (i == 1 && k == primary) {
			continue
		}
		gcm, err := newGCM(k)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("encryption key: %w", err)
			}
			return nil, fmt.Errorf("previous encryption key: %w", err)
		}
		if i == 0 {
			c.primary = gcm
		}
		c.keys = append(c.keys, gcm)
	}
	return c, nil
}

// Seal encrypts the sensitive settings of raw. Settings that are already sealed are left alone.
func (c *ConfigCipher) Seal(appKey string, raw json.RawMessage) (json.RawMessage, error) {
	if c == nil || len(raw) == 0 {
		return raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("seal config: %w", err)
	}
	changed := false
	for k, v := range fields {
		if !isSensitiveSetting(k) {
			continue
		}
		var plain string
		if err := json.Unmarshal(v, &plain); err != nil || plain == "" {
			continue
		}
		nonce := make([]byte, c.primary.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("seal config: %w", err)
		}
		ct := c.primary.Seal(nil, nonce, []byte(plain), settingAAD(appKey, k))
		b, err := json.Marshal(sealedValue{
			Enc:   sealedAlg,
			Nonce: base64.StdEncoding.EncodeToString(nonce),
			Data:  base64.StdEncoding.EncodeToString(ct),
		})
		if err != nil {
			return nil, err
		}
		fields[k] = b
		changed = true
	}
	if !changed {
		return raw, nil
	}
	return json.Marshal(fields)
}

// Open decrypts every sealed setting of raw with the first key that fits.
func (c *ConfigCipher) Open(appKey string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw, nil
	}
	changed := false
	for k, v := range fields {
		sv, ok := parseSealed(v)
		if !ok {
			continue
		}
		if c == nil {
			return nil, ErrConfigSealed
		}
		plain, err := c.open(appKey, k, sv)
		if err != nil {
			return nil, fmt.Errorf("open setting %s: %w", k, err)
		}
		b, err := json.Marshal(string(plain))
		if err != nil {
			return nil, err
		}
		fields[k] = b
		changed = true
	}
	if !changed {
		return raw, nil
	}
	return json.Marshal(fields)
}

func (c *ConfigCipher) open(appKey, setting string, sv sealedValue) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(sv.Nonce)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(sv.Data)
	if err != nil {
		return nil, err
	}
	for _, gcm := range c.keys {
		if len(nonce) != gcm.NonceSize() {
			continue
		}
		if pt, err := gcm.Open(nil, nonce, ct, settingAAD(appKey, setting)); err == nil {
			return pt, nil
		}
	}
	return nil, errors.New("no configured key opens this value")
}

func parseSealed(v json.RawMessage) (sealedValue, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '{' {
		return sealedValue{}, false
	}
	var sv sealedValue
	if err := json.Unmarshal(v, &sv); err != nil {
		return sealedValue{}, false
	}
	if sv.Enc != sealedAlg || sv.Nonce == "" || sv.Data == "" {
		return sealedValue{}, false
	}
	return sv, true
}

// settingAAD binds a ciphertext to its app and setting so values cannot be swapped between rows.
func settingAAD(appKey, setting string) []byte {
	return []byte(appKey + "/" + strings.ToLower(strings.TrimSpace(setting)))
}

// newGCM accepts a base64 key or raw bytes. Longer keys are cut to the nearest AES size.
func newGCM(k string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(k)
	if err != nil {
		key = []byte(k)
	}
	switch {
	case len(key) < 16:
		return nil, errors.New("key must be at least 16 bytes")
	case len(key) < 24:
		key = key[:16]
	case len(key) < 32:
		key = key[:24]
	default:
		key = key[:32]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var sensitiveMarkers = []string{"secret", "token", "password", "api_key", "private_key"}

func isSensitiveSetting(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, m := range sensitiveMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}
