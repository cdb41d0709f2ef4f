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

// SignatureVerifier is the gateway collaborator contract: it authenticates
// a raw delivery and hands back the parsed event. A verification failure is
// a 400-class rejection; the gateway retries on its own schedule.
type SignatureVerifier interface {
	VerifyAndParse(payload []byte, signatureHeader string) (*Event, error)
}

// HMACVerifier checks the gateway's signature header, which carries a unix
// timestamp and an HMAC-SHA256 of "<timestamp>.<payload>":
//
//	t=1716211200,v1=5257a869e7...
type HMACVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewHMACVerifier(secret string, tolerance time.Duration) *HMACVerifier {
	return &HMACVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (v *HMACVerifier) VerifyAndParse(payload []byte, signatureHeader string) (*Event, error) {
	timestamp, signature, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}

	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(timestamp, 0))
		if age > v.tolerance || age < -v.tolerance {
			return nil, fmt.Errorf("signature timestamp outside tolerance")
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, got) {
		return nil, fmt.Errorf("signature mismatch")
	}

	return ParseEvent(payload)
}

func parseSignatureHeader(header string) (timestamp int64, signature string, err error) {
	if header == "" {
		return 0, "", fmt.Errorf("missing signature header")
	}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad signature timestamp: %w", err)
			}
		case "v1":
			signature = value
		}
	}
	if timestamp == 0 || signature == "" {
		return 0, "", fmt.Errorf("incomplete signature header")
	}
	return timestamp, signature, nil
}
