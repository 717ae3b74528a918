package connector

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

type HashAlgorithm int

const (
	SHA256 HashAlgorithm = iota
	SHA1
)

func (a HashAlgorithm) newHash() func() hash.Hash {
	if a == SHA1 {
		return sha1.New
	}
	return sha256.New
}

// HMACCheck is the signed content of a webhook and the signatures the sender attached.
type HMACCheck struct {
	Algorithm HashAlgorithm
	Secret    string
	Message   []byte
	// Signatures are hex digests. Any match accepts the request.
	Signatures []string
}

// SignHex returns the hex HMAC of message under secret.
func SignHex(alg HashAlgorithm, secret string, message []byte) string {
	mac := hmac.New(alg.newHash(), []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares signatures in constant time and is the only way to obtain a VerifiedPayload.
func VerifyHMAC(req WebhookRequest, check HMACCheck) WebhookVerification {
	if strings.TrimSpace(check.Secret) == "" {
		return Reject("webhook secret is not configured")
	}
	if len(check.Signatures) == 0 {
		return Reject("missing signature")
	}
	mac := hmac.New(check.Algorithm.newHash(), []byte(check.Secret))
	mac.Write(check.Message)
	expected := mac.Sum(nil)

	for _, sig := range check.Signatures {
		provided, err := hex.DecodeString(strings.TrimSpace(sig))
		if err != nil {
			continue
		}
		if hmac.Equal(expected, provided) {
			return WebhookVerification{
				Valid:   true,
				Payload: VerifiedPayload{header: req.Header.Clone(), body: req.Body},
			}
		}
	}
	return Reject("signature mismatch")
}

// PrefixedSignature strips a "sha256=" style prefix from a header value.
func PrefixedSignature(value, prefix string) (string, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	return strings.TrimPrefix(value, prefix), true
}
