// ABOUTME: Base64 codec for binary payloads carried inside JSON lines.
// ABOUTME: Standard padded encoding, matching the agent side.

package protocol

import "encoding/base64"

// EncodeBase64 encodes binary data for transport inside a JSON string.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
