package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sign computes the signature header value for a payload:
// t=<unix-ts>, v1=<hex hmac-sha256(secret, "<ts>.<body>")>.
// Versioning the scheme in the header lets receivers migrate later.
func Sign(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d, v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a signature header against a payload. tolerance bounds
// the accepted clock skew; zero disables the timestamp check.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) bool {
	var ts int64 = -1
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			ts = parsed
		case "v1":
			sig = v
		}
	}
	if ts < 0 || sig == "" {
		return false
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < -tolerance || skew > tolerance {
			return false
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}
