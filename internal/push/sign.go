package push

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes the hex-encoded HMAC-SHA256 signature over the
// canonical result payload: run id, request id, step index and the
// serialized body, pipe-separated. The orchestrator recomputes the same
// string to verify the submission.
func Sign(secret []byte, runID, requestID string, step int, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%d|", runID, requestID, step)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature for the payload.
func Verify(secret []byte, runID, requestID string, step int, body []byte, sig string) bool {
	want := Sign(secret, runID, requestID, step, body)
	return hmac.Equal([]byte(want), []byte(sig))
}
