// Package encryption provides the AES primitives behind stage transfers:
// per-file keys and IVs, AES-ECB key wrapping, and streaming AES-CBC with
// PKCS7 padding over io.Reader/io.Writer.
package encryption

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// BlockSize is the AES block size in bytes.
const BlockSize = aes.BlockSize

// CipherSize returns the AES-CBC/PKCS7 ciphertext length for a plaintext of size bytes.
// Padding always adds between 1 and BlockSize bytes.
func CipherSize(size int64) int64 {
	return (size + BlockSize) / BlockSize * BlockSize
}

// pkcs7Pad applies PKCS7 padding to the data
func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padText := make([]byte, padding)
	for i := range padText {
		padText[i] = byte(padding)
	}
	return append(data, padText...)
}

// pkcs7Unpad removes PKCS7 padding from the data
// Verifies that all padding bytes have the correct value
func pkcs7Unpad(data []byte) ([]byte, error) {
	length := len(data)
	if length == 0 {
		return nil, fmt.Errorf("invalid padding: empty data")
	}
	padding := int(data[length-1])
	if padding > length || padding > aes.BlockSize || padding == 0 {
		return nil, fmt.Errorf("invalid padding size: %d", padding)
	}
	for i := 0; i < padding; i++ {
		if data[length-1-i] != byte(padding) {
			return nil, fmt.Errorf("invalid padding byte at position %d: expected %d, got %d", i, padding, data[length-1-i])
		}
	}
	return data[:length-padding], nil
}

// EncodeBase64 encodes bytes to base64 string
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 string to bytes
func DecodeBase64(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}

// EncodedLen returns the base64 length of n input bytes.
func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}

// DecodedLen returns the exact decoded length of a padded base64 string.
func DecodedLen(encoded string) int {
	n := base64.StdEncoding.DecodedLen(len(encoded))
	for i := len(encoded) - 1; i >= 0 && encoded[i] == '='; i-- {
		n--
	}
	return n
}

// DigestSHA256 returns the base64 SHA-256 digest of everything read from r.
func DigestSHA256(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return EncodeBase64(hash.Sum(nil)), nil
}
