package comm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// signatureTolerance bounds how stale a request signature may be, limiting
// replay of captured requests.
const signatureTolerance = 5 * time.Minute

var (
	errSignatureExpired  = errors.New("request signature expired")
	errSignatureMismatch = errors.New("request signature mismatch")
)

// normalizeKey strips the human-readable "signkey-<env>-" prefix so key
// rotation between envs doesn't change the MAC input.
func normalizeKey(key string) string {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) == 3 && parts[0] == "signkey" {
		return parts[2]
	}
	return key
}

// Sign produces the signature header value for a request body at a given
// moment: "t=<unix>&s=<hex hmac-sha256 of body||timestamp>".
func Sign(key string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(normalizeKey(key)))
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	return fmt.Sprintf("t=%d&s=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// ValidateSignature checks a signature header against the body using the
// primary key and, if that fails, the fallback key (so the Executor can
// rotate keys without a window of rejected requests).
func ValidateSignature(header string, key, fallbackKey string, body []byte, now time.Time) error {
	vals, err := url.ParseQuery(header)
	if err != nil {
		return fmt.Errorf("parsing signature header: %w", err)
	}
	tsRaw := vals.Get("t")
	sig := vals.Get("s")
	if tsRaw == "" || sig == "" {
		return errors.New("signature header missing t or s")
	}
	unix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing signature timestamp: %w", err)
	}
	ts := time.Unix(unix, 0)
	if now.Sub(ts) > signatureTolerance || ts.Sub(now) > signatureTolerance {
		return errSignatureExpired
	}

	if matchesKey(key, ts, body, sig) {
		return nil
	}
	if fallbackKey != "" && matchesKey(fallbackKey, ts, body, sig) {
		return nil
	}
	return errSignatureMismatch
}

func matchesKey(key string, ts time.Time, body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(normalizeKey(key)))
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}
