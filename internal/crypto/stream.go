package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/rescale/stagexfer/internal/util/buffers"
)

// EncryptReader turns a plaintext stream into AES-CBC/PKCS7 ciphertext.
// The combined output is identical to encrypting the whole stream at once.
type EncryptReader struct {
	src     io.Reader
	mode    cipher.BlockMode
	readBuf *[]byte
	pending []byte // plaintext shorter than one block
	ct      []byte
	out     []byte
	done    bool
}

// NewEncryptReader wraps src. Close returns the read buffer to the pool.
func NewEncryptReader(src io.Reader, key *Key, iv IV) (*EncryptReader, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &EncryptReader{
		src:     src,
		mode:    cipher.NewCBCEncrypter(block, iv[:]),
		readBuf: buffers.GetSmallBuffer(),
	}, nil
}

// Read implements io.Reader.
func (r *EncryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if r.readBuf == nil {
			return 0, errors.New("read from closed encrypt reader")
		}

		n, err := r.src.Read(*r.readBuf)
		r.pending = append(r.pending, (*r.readBuf)[:n]...)

		switch {
		case err == io.EOF:
			padded := pkcs7Pad(r.pending, aes.BlockSize)
			r.out = r.crypt(padded)
			r.pending = r.pending[:0]
			r.done = true
		case err != nil:
			return 0, err
		default:
			full := len(r.pending) / aes.BlockSize * aes.BlockSize
			if full > 0 {
				r.out = r.crypt(r.pending[:full])
				rest := copy(r.pending, r.pending[full:])
				r.pending = r.pending[:rest]
			}
		}
	}

	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *EncryptReader) crypt(plain []byte) []byte {
	if cap(r.ct) < len(plain) {
		r.ct = make([]byte, len(plain))
	}
	ct := r.ct[:len(plain)]
	r.mode.CryptBlocks(ct, plain)
	return ct
}

// Close releases the read buffer. It does not close the source.
func (r *EncryptReader) Close() error {
	if r.readBuf != nil {
		buffers.PutSmallBuffer(r.readBuf)
		r.readBuf = nil
	}
	clear(r.pending)
	return nil
}

// DecryptWriter accepts AES-CBC/PKCS7 ciphertext in order and writes plaintext to dst.
// The last block is held back until Close, which strips the padding.
type DecryptWriter struct {
	dst     io.Writer
	mode    cipher.BlockMode
	pending []byte
	plain   []byte
	written int64
	closed  bool
}

// NewDecryptWriter wraps dst.
func NewDecryptWriter(dst io.Writer, key *Key, iv IV) (*DecryptWriter, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &DecryptWriter{
		dst:  dst,
		mode: cipher.NewCBCDecrypter(block, iv[:]),
	}, nil
}

// Write implements io.Writer.
func (w *DecryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed decrypt writer")
	}
	w.pending = append(w.pending, p...)

	keep := len(w.pending) % aes.BlockSize
	if keep == 0 {
		keep = aes.BlockSize
	}
	process := len(w.pending) - keep
	if process <= 0 {
		return len(p), nil
	}

	if err := w.flush(w.pending[:process], false); err != nil {
		return 0, err
	}
	rest := copy(w.pending, w.pending[process:])
	w.pending = w.pending[:rest]
	return len(p), nil
}

// Close decrypts the final block, removes the padding and writes the remainder.
// It does not close dst.
func (w *DecryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.pending) != aes.BlockSize {
		return fmt.Errorf("ciphertext is not block aligned: %d trailing bytes", len(w.pending))
	}
	return w.flush(w.pending, true)
}

// Written returns the number of plaintext bytes written to dst.
func (w *DecryptWriter) Written() int64 {
	return w.written
}

func (w *DecryptWriter) flush(ct []byte, final bool) error {
	if cap(w.plain) < len(ct) {
		w.plain = make([]byte, len(ct))
	}
	plain := w.plain[:len(ct)]
	w.mode.CryptBlocks(plain, ct)

	if final {
		var err error
		plain, err = pkcs7Unpad(plain)
		if err != nil {
			return fmt.Errorf("failed to unpad data: %w", err)
		}
	}

	n, err := w.dst.Write(plain)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write decrypted data: %w", err)
	}
	return nil
}
