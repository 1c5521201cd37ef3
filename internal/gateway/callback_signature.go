package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidCallbackSignature = errors.New("invalid gateway callback signature")

// CallbackManifest is the string the gateway signs for a notification.
func CallbackManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		fmt.Fprintf(&b, "id:%s;", strings.ToLower(dataID))
	}
	if requestID != "" {
		fmt.Fprintf(&b, "request-id:%s;", requestID)
	}
	if ts != "" {
		fmt.Fprintf(&b, "ts:%s;", ts)
	}
	return b.String()
}

// VerifyCallbackSignature checks an "x-signature: ts=<ts>,v1=<hex>" header.
func VerifyCallbackSignature(secret, header, requestID, dataID string) error {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return ErrInvalidCallbackSignature
	}

	expected, err := hex.DecodeString(v1)
	if err != nil {
		return ErrInvalidCallbackSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CallbackManifest(dataID, requestID, ts)))
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrInvalidCallbackSignature
	}
	return nil
}
