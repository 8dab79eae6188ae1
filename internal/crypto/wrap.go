package encryption

import (
	"crypto/aes"
	"fmt"
)

// WrapKey encrypts fileKey under masterKey with AES in ECB mode, no padding.
// Each block is processed independently, so the result depends only on the key bytes.
func WrapKey(fileKey, masterKey *Key) ([]byte, error) {
	block, err := aes.NewCipher(masterKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	src := fileKey.Bytes()
	defer clear(src)
	if len(src) == 0 || len(src)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d-byte file key is not block aligned", ErrInvalidKey, len(src))
	}

	out := make([]byte, len(src))
	for off := 0; off < len(src); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], src[off:off+aes.BlockSize])
	}
	return out, nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(wrapped []byte, masterKey *Key) (Key, error) {
	block, err := aes.NewCipher(masterKey.Bytes())
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(wrapped) == 0 || len(wrapped)%aes.BlockSize != 0 {
		return Key{}, fmt.Errorf("%w: wrapped key length %d is not block aligned", ErrInvalidKey, len(wrapped))
	}

	plain := make([]byte, len(wrapped))
	defer clear(plain)
	for off := 0; off < len(wrapped); off += aes.BlockSize {
		block.Decrypt(plain[off:off+aes.BlockSize], wrapped[off:off+aes.BlockSize])
	}
	return KeyFromBytes(plain)
}
