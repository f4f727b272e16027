package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeHeader converts v to base64-encoded JSON for X-PAYMENT style headers.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader reverses EncodeHeader into v. Any failure wraps ErrMalformedHeader.
func DecodeHeader(encoded string, v any) error {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return fmt.Errorf("%w: empty header", ErrMalformedHeader)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: invalid base64: %v", ErrMalformedHeader, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrMalformedHeader, err)
	}
	return nil
}

func EncodeProof(p PaymentProof) (string, error) {
	return EncodeHeader(p)
}

func DecodeProof(encoded string) (PaymentProof, error) {
	var p PaymentProof
	if err := DecodeHeader(encoded, &p); err != nil {
		return PaymentProof{}, err
	}
	return p, nil
}

func EncodeResponse(r PaymentResponse) (string, error) {
	return EncodeHeader(r)
}

func DecodeResponse(encoded string) (PaymentResponse, error) {
	var r PaymentResponse
	if err := DecodeHeader(encoded, &r); err != nil {
		return PaymentResponse{}, err
	}
	return r, nil
}
