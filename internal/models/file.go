package models

import (
	encryption "github.com/rescale/stagexfer/internal/crypto"
)

// EncryptionMaterial is the caller-supplied master key material for one command.
// It is read-only for the transfer path and never persisted.
type EncryptionMaterial struct {
	QueryStageMasterKey string // base64 master key (KEK)
	QueryID             string
	SMKID               int64
}

// EncryptionMetadata is the per-file envelope: file key, IV and the wrapped key records.
type EncryptionMetadata struct {
	FileKey encryption.Key
	IV      encryption.IV

	// EnKekEncoded is the base64 file key wrapped under the master key
	EnKekEncoded string
	// MatDesc is the material descriptor JSON stored as object metadata
	MatDesc string
	// CipherStreamSize is the padded ciphertext length
	CipherStreamSize int64
}

// Zero wipes the key bytes once the transfer is done.
func (e *EncryptionMetadata) Zero() {
	e.FileKey.Zero()
	clear(e.IV[:])
}

// FileMetadata describes one file transfer. It is owned by the call that created it.
type FileMetadata struct {
	SrcFileName  string // local path for PUT, remote name for GET
	DestFileName string // remote name for PUT, local name for GET
	SrcFileSize  int64  // plaintext size for PUT, remote object size for GET

	// Overwrite allows replacing an existing destination
	Overwrite bool

	// Encrypted reports whether EncryptionMetadata is populated
	Encrypted          bool
	EncryptionMetadata EncryptionMetadata

	// SHA256Digest is the base64 plaintext digest, attached as object metadata when set
	SHA256Digest string

	ResultStatus Outcome
	Err          error
}

// TransferSize returns the number of bytes that cross the wire.
func (m *FileMetadata) TransferSize() int64 {
	if m.Encrypted {
		return m.EncryptionMetadata.CipherStreamSize
	}
	return m.SrcFileSize
}

// Record stores the outcome and error on the descriptor and returns them.
func (m *FileMetadata) Record(outcome Outcome, err error) (Outcome, error) {
	m.ResultStatus = outcome
	m.Err = err
	return outcome, err
}
