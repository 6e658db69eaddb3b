package watchtower

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// EventContentHash computes the dedup hash for an incoming event. Together
// with the timestamp it identifies an event within the 1-hour dedup window:
// two records with the same timestamp, raw log line, and rule id are the
// same event regardless of which tail read delivered them.
func EventContentHash(timestamp, fullLog string, ruleID int) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte{0})
	h.Write([]byte(fullLog))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(ruleID)))
	return hex.EncodeToString(h.Sum(nil))
}
