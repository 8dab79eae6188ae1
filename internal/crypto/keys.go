package encryption

import (
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxKeySize is the capacity of a Key buffer in bytes (AES-256)
	MaxKeySize = 32
	// IVSize is the AES block size
	IVSize = aes.BlockSize
)

// ErrInvalidKey reports key material that cannot be used for wrapping or encryption.
var ErrInvalidKey = errors.New("invalid key material")

// randReader is the CSPRNG behind every key and IV.
var randReader io.Reader = rand.Reader

// Key is a fixed-capacity AES key. Only the first Bits()/8 bytes are significant.
type Key struct {
	data [MaxKeySize]byte
	bits int
}

// IV is an AES initialization vector.
type IV [IVSize]byte

// setBits panics when bits does not fit the buffer; callers validate lengths first.
func (k *Key) setBits(bits int) {
	if bits < 0 || bits%8 != 0 || bits > MaxKeySize*8 {
		panic(fmt.Sprintf("encryption: key bit length %d outside capacity %d", bits, MaxKeySize*8))
	}
	k.bits = bits
}

// Bits returns the key length in bits.
func (k *Key) Bits() int {
	return k.bits
}

// Bytes returns a copy of the significant key bytes.
func (k *Key) Bytes() []byte {
	out := make([]byte, k.bits/8)
	copy(out, k.data[:k.bits/8])
	return out
}

// IsZero reports whether the key has no length.
func (k *Key) IsZero() bool {
	return k.bits == 0
}

// Zero wipes the key bytes and length.
func (k *Key) Zero() {
	clear(k.data[:])
	k.bits = 0
}

// KeyFromBytes builds a Key from raw bytes. The length must be a valid AES key size.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	switch len(b) {
	case 16, 24, 32:
	default:
		return k, fmt.Errorf("%w: %d-byte key is not an AES key size", ErrInvalidKey, len(b))
	}
	copy(k.data[:], b)
	k.setBits(len(b) * 8)
	return k, nil
}

// DecodeMasterKey decodes a base64 master key. Only 128- and 256-bit keys can wrap
// a same-sized file key without padding, so 192-bit keys are rejected too.
func DecodeMasterKey(encoded string) (Key, error) {
	raw, err := DecodeBase64(encoded)
	if err != nil {
		return Key{}, fmt.Errorf("%w: master key is not valid base64: %v", ErrInvalidKey, err)
	}
	defer clear(raw)
	if len(raw)%aes.BlockSize != 0 {
		return Key{}, fmt.Errorf("%w: %d-byte master key is not block aligned", ErrInvalidKey, len(raw))
	}
	return KeyFromBytes(raw)
}

// GenerateKey draws a random key of the given bit length.
func GenerateKey(bits int) (Key, error) {
	var k Key
	if bits <= 0 || bits%8 != 0 || bits > MaxKeySize*8 {
		return k, fmt.Errorf("%w: cannot generate %d-bit key", ErrInvalidKey, bits)
	}
	if _, err := io.ReadFull(randReader, k.data[:bits/8]); err != nil {
		return Key{}, fmt.Errorf("failed to generate key: %w", err)
	}
	k.setBits(bits)
	return k, nil
}

// GenerateIV draws a random initialization vector.
func GenerateIV() (IV, error) {
	var iv IV
	if _, err := io.ReadFull(randReader, iv[:]); err != nil {
		return IV{}, fmt.Errorf("failed to generate IV: %w", err)
	}
	return iv, nil
}
