package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ComputeInputDigest returns the canonical content hash of a raw JSON input
// payload, as lowercase hex prefixed with "0x". The payload is decoded and
// re-encoded before hashing so that key order and whitespace in the original
// request body never change the digest.
func ComputeInputDigest(input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "", fmt.Errorf("input is empty")
	}
	var decoded interface{}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return "", fmt.Errorf("input is not valid JSON: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// HexToBytes decodes a hex string, with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
