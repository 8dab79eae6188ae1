package encryption

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

// TestGenerateKeyLengths tests that generated keys carry the requested bit length
func TestGenerateKeyLengths(t *testing.T) {
	for _, bits := range []int{128, 192, 256} {
		key, err := GenerateKey(bits)
		if err != nil {
			t.Fatalf("GenerateKey(%d) failed: %v", bits, err)
		}
		if key.Bits() != bits {
			t.Errorf("Expected %d bits, got %d", bits, key.Bits())
		}
		if len(key.Bytes()) != bits/8 {
			t.Errorf("Expected %d bytes, got %d", bits/8, len(key.Bytes()))
		}
	}

	for _, bits := range []int{0, 7, 264, -8} {
		if _, err := GenerateKey(bits); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("GenerateKey(%d) expected ErrInvalidKey, got %v", bits, err)
		}
	}
}

// TestKeyAndIVUniqueness draws many keys and IVs and expects no repeats
func TestKeyAndIVUniqueness(t *testing.T) {
	seenKeys := make(map[string]bool)
	seenIVs := make(map[IV]bool)

	for i := 0; i < 1000; i++ {
		key, err := GenerateKey(256)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		iv, err := GenerateIV()
		if err != nil {
			t.Fatalf("GenerateIV failed: %v", err)
		}
		k := string(key.Bytes())
		if seenKeys[k] {
			t.Fatal("Duplicate key generated")
		}
		if seenIVs[iv] {
			t.Fatal("Duplicate IV generated")
		}
		seenKeys[k] = true
		seenIVs[iv] = true
	}
}

// TestSetBitsOverflowPanics verifies that an oversized bit length is never truncated
func TestSetBitsOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for bit length beyond capacity")
		}
	}()
	var k Key
	k.setBits(MaxKeySize*8 + 8)
}

// TestDecodeMasterKey tests master key validation
func TestDecodeMasterKey(t *testing.T) {
	testCases := []struct {
		name    string
		raw     []byte
		encoded string
		wantErr bool
	}{
		{name: "128-bit", raw: bytes.Repeat([]byte{1}, 16)},
		{name: "256-bit", raw: bytes.Repeat([]byte{2}, 32)},
		{name: "192-bit", raw: bytes.Repeat([]byte{3}, 24), wantErr: true},
		{name: "undersized", raw: bytes.Repeat([]byte{4}, 8), wantErr: true},
		{name: "oversized", raw: bytes.Repeat([]byte{5}, 48), wantErr: true},
		{name: "not base64", encoded: "%%%not-base64%%%", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := tc.encoded
			if encoded == "" {
				encoded = EncodeBase64(tc.raw)
			}
			key, err := DecodeMasterKey(encoded)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMasterKey failed: %v", err)
			}
			if !bytes.Equal(key.Bytes(), tc.raw) {
				t.Error("Decoded key bytes differ from input")
			}
		})
	}
}

// TestKeyZero verifies that Zero wipes the key
func TestKeyZero(t *testing.T) {
	key, _ := GenerateKey(256)
	key.Zero()
	if !key.IsZero() || len(key.Bytes()) != 0 {
		t.Error("Key not zeroed")
	}
	for _, b := range key.data {
		if b != 0 {
			t.Fatal("Key buffer still holds data")
		}
	}
}

// TestWrapUnwrapRoundTrip wraps a known key and recovers it
func TestWrapUnwrapRoundTrip(t *testing.T) {
	for _, bits := range []int{128, 256} {
		master, _ := GenerateKey(bits)
		fileKey, _ := GenerateKey(bits)

		wrapped, err := WrapKey(&fileKey, &master)
		if err != nil {
			t.Fatalf("WrapKey failed: %v", err)
		}
		if len(wrapped) != bits/8 {
			t.Errorf("Wrapped key has %d bytes, expected %d", len(wrapped), bits/8)
		}
		if bytes.Equal(wrapped, fileKey.Bytes()) {
			t.Error("Wrapped key equals plaintext key")
		}

		unwrapped, err := UnwrapKey(wrapped, &master)
		if err != nil {
			t.Fatalf("UnwrapKey failed: %v", err)
		}
		if !bytes.Equal(unwrapped.Bytes(), fileKey.Bytes()) {
			t.Error("Unwrapped key differs from original")
		}
	}
}

// TestWrapKeyKnownVector checks ECB wrapping against the FIPS-197 AES-128 vector
func TestWrapKeyKnownVector(t *testing.T) {
	master, _ := KeyFromBytes(mustHex(t, "000102030405060708090a0b0c0d0e0f"))
	fileKey, _ := KeyFromBytes(mustHex(t, "00112233445566778899aabbccddeeff"))

	wrapped, err := WrapKey(&fileKey, &master)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	expected := mustHex(t, "69c4e0d86a7b0430d8cdb78070b4c55a")
	if !bytes.Equal(wrapped, expected) {
		t.Errorf("WrapKey = %x, expected %x", wrapped, expected)
	}
}

// TestWrapKeyDeterministicPerBlock verifies ECB wraps identical blocks identically
func TestWrapKeyDeterministicPerBlock(t *testing.T) {
	master, _ := GenerateKey(256)
	fileKey, _ := KeyFromBytes(bytes.Repeat([]byte{9}, 32))

	wrapped, err := WrapKey(&fileKey, &master)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	if !bytes.Equal(wrapped[:16], wrapped[16:]) {
		t.Error("Identical key blocks should wrap to identical ciphertext blocks")
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}
