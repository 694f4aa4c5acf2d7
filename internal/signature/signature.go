// Package signature implements the HMAC scheme carried on outbound webhook
// requests. The signed string is "<timestamp>.<json body>", so a receiver must
// verify against the timestamp sent with the same request; timestamps are
// generated fresh per attempt and never reused across retries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Sign computes the hex HMAC-SHA256 signature over timestamp + "." + payload
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	want := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(signature), []byte(want))
}

// VerifyWithLeeway verifies the signature and additionally rejects timestamps
// further than leeway from now. Used by receivers to bound replay windows.
func VerifyWithLeeway(secret, timestamp string, payload []byte, signature string, leeway time.Duration, now time.Time) (bool, string) {
	if timestamp == "" || signature == "" {
		return false, "missing timestamp or signature"
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	skew := now.Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	if !Verify(secret, timestamp, payload, signature) {
		return false, "signature mismatch"
	}
	return true, ""
}
