package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// signatureDriftWindow bounds how far a signed timestamp may be from now in
// either direction.
const signatureDriftWindow = 300 * time.Second

// verifySignature checks the v0 request signature: HMAC-SHA256 over
// "v0:{timestamp}:{body}" compared in constant time, with the timestamp
// required to be within the drift window.
func verifySignature(secret, timestamp string, body []byte, header string, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift > signatureDriftWindow || drift < -signatureDriftWindow {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}
