package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign returns the lowercase hex HMAC-SHA256 of "<ts>.<body>" where ts is
// the delivery time in Unix seconds.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. Receivers use it to
// authenticate deliveries.
func Verify(secret string, ts int64, body []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(Sign(secret, ts, body))
	return hmac.Equal(expected, b)
}
