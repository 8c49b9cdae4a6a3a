// fingerprint.go generates stable hashes for grouping recurring failures.

package aivory

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// fingerprintFrames is the number of application frames that contribute to
// a fingerprint. Deeper frames are ignored so that differing call depths
// below the failure site still group together.
const fingerprintFrames = 5

// fingerprintBytes is the digest prefix length kept (16 hex characters).
const fingerprintBytes = 8

// Fingerprint derives a grouping hash from the failure kind and the first
// application (non-native) frames, formatted as "name:line". A stack
// without application frames hashes the kind alone, so such failures
// group together regardless of where in library code they were raised.
//
// Fingerprint is pure: the same inputs always produce the same output.
func Fingerprint(kind string, frames []StackFrame) string {
	parts := make([]string, 0, 1+fingerprintFrames)
	parts = append(parts, kind)
	for _, frame := range frames {
		if len(parts) > fingerprintFrames {
			break
		}
		if frame.IsNative {
			continue
		}
		parts = append(parts, frame.MethodName+":"+strconv.Itoa(frame.LineNumber))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:fingerprintBytes])
}
