// Package signing computes and verifies outbound webhook signatures.
//
// The signature covers messageID "." timestamp "." body and is sent as
// "v<version>=<hex hmac-sha256>", where version is the endpoint version the
// secret belongs to.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrMalformed        = errors.New("malformed signature")
	ErrStaleVersion     = errors.New("signature made with a different secret version")
	ErrTimestampSkew    = errors.New("timestamp outside allowed leeway")
	ErrSignatureInvalid = errors.New("signature mismatch")
)

func mac(secret, messageID, ts string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(messageID))
	m.Write([]byte("."))
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(body)
	return m.Sum(nil)
}

// Sign returns the header value for body signed with secret at version.
func Sign(secret string, version int, messageID string, ts time.Time, body []byte) string {
	return fmt.Sprintf("v%d=%s", version, hex.EncodeToString(mac(secret, messageID, Timestamp(ts), body)))
}

// Timestamp formats t as the unix-seconds string placed in the timestamp header.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Parse splits a header value into its version and raw MAC.
func Parse(header string) (int, []byte, error) {
	v, sig, ok := strings.Cut(header, "=")
	if !ok || !strings.HasPrefix(v, "v") {
		return 0, nil, ErrMalformed
	}
	version, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
	if err != nil || version <= 0 {
		return 0, nil, ErrMalformed
	}
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return 0, nil, ErrMalformed
	}
	return version, raw, nil
}

// Verify checks header against body. version is the secret version the
// receiver holds; a mismatch yields ErrStaleVersion before any MAC comparison.
func Verify(secret string, version int, messageID, ts, header string, body []byte, leeway time.Duration, now time.Time) error {
	if ts == "" || header == "" || messageID == "" {
		return ErrMissingHeaders
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformed
	}
	if leeway > 0 {
		skew := now.Unix() - unix
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(leeway.Seconds()) {
			return ErrTimestampSkew
		}
	}
	gotVersion, got, err := Parse(header)
	if err != nil {
		return err
	}
	if version > 0 && gotVersion != version {
		return ErrStaleVersion
	}
	if !hmac.Equal(got, mac(secret, messageID, ts, body)) {
		return ErrSignatureInvalid
	}
	return nil
}
