package flow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

const signaturePrefix = "sha256="

// Sign returns the signature sent with payload: the hex HMAC-SHA256, keyed by
// secret, of "{timestamp}.{json}" where json is the encoding/json form of the
// payload. Struct fields encode in declaration order and map keys sorted, so
// the same value always signs the same way.
func Sign(payload any, timestamp int64, secret string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return SignBody(body, timestamp, secret), nil
}

// SignBody signs an already encoded payload.
func SignBody(body []byte, timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyBody checks a received signature in constant time.
func VerifyBody(body []byte, timestamp int64, secret, signature string) bool {
	want := SignBody(body, timestamp, secret)
	return hmac.Equal([]byte(want), []byte(signature))
}
