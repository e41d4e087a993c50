package httpapi

import (
	"encoding/base64"
	"fmt"
)

func toB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func fromB64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("httpapi: malformed base64 field: %w", err)
	}
	return b, nil
}

func fromB64Array(s string, out []byte) error {
	b, err := fromB64(s)
	if err != nil {
		return err
	}
	if len(b) != len(out) {
		return fmt.Errorf("httpapi: base64 field has wrong length: got %d want %d", len(b), len(out))
	}
	copy(out, b)
	return nil
}
