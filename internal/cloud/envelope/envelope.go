// Package envelope prepares per-file envelope encryption: it draws the file key and IV,
// wraps the key under the stage master key and renders the object metadata that lets
// the object be decrypted later.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rescale/stagexfer/internal/cloud/storage"
	"github.com/rescale/stagexfer/internal/constants"
	encryption "github.com/rescale/stagexfer/internal/crypto"
	"github.com/rescale/stagexfer/internal/models"
)

// materialDescriptor field order is part of the stored format.
type materialDescriptor struct {
	QueryID string `json:"queryId"`
	SMKID   string `json:"smkId"`
	KeySize string `json:"keySize"`
}

type encryptionData struct {
	IV           string `json:"iv"`
	EnKekEncoded string `json:"enKekEncoded"`
}

// blobEncryptionData is the layout written by the Azure storage client libraries.
type blobEncryptionData struct {
	WrappedContentKey struct {
		EncryptedKey string `json:"EncryptedKey"`
	} `json:"WrappedContentKey"`
	ContentEncryptionIV string `json:"ContentEncryptionIV"`
}

// UpdateEncryptionMetadata populates the file key, IV, wrapped key, material descriptor
// and ciphertext size on meta. On error meta is left untouched.
func UpdateEncryptionMetadata(meta *models.FileMetadata, material *models.EncryptionMaterial) error {
	if material == nil {
		return fmt.Errorf("%w: no encryption material", storage.ErrKeyMaterial)
	}
	master, err := encryption.DecodeMasterKey(material.QueryStageMasterKey)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
	}
	defer master.Zero()

	iv, err := encryption.GenerateIV()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
	}
	fileKey, err := encryption.GenerateKey(master.Bits())
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
	}

	wrapped, err := encryption.WrapKey(&fileKey, &master)
	if err != nil {
		fileKey.Zero()
		return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
	}

	matDesc, err := BuildMaterialDescriptor(material.QueryID, material.SMKID, fileKey.Bits())
	if err != nil {
		fileKey.Zero()
		return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
	}

	meta.EncryptionMetadata = models.EncryptionMetadata{
		FileKey:          fileKey,
		IV:               iv,
		EnKekEncoded:     encryption.EncodeBase64(wrapped),
		MatDesc:          matDesc,
		CipherStreamSize: encryption.CipherSize(meta.SrcFileSize),
	}
	meta.Encrypted = true
	return nil
}

// DecryptFileKey unwraps the file key of a downloaded object with the stage master key.
func DecryptFileKey(meta *models.FileMetadata, material *models.EncryptionMaterial) error {
	if material == nil {
		return fmt.Errorf("%w: no encryption material", storage.ErrKeyMaterial)
	}
	em := &meta.EncryptionMetadata
	if em.MatDesc != "" {
		_, smkID, _, err := ParseMaterialDescriptor(em.MatDesc)
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
		}
		if smkID != strconv.FormatInt(material.SMKID, 10) {
			return fmt.Errorf("%w: object was wrapped with master key %s, have %d",
				storage.ErrKeyMaterial, smkID, material.SMKID)
		}
	}

	master, err := encryption.DecodeMasterKey(material.QueryStageMasterKey)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
	}
	defer master.Zero()

	wrapped, err := encryption.DecodeBase64(em.EnKekEncoded)
	if err != nil {
		return fmt.Errorf("%w: wrapped key is not valid base64: %v", storage.ErrKeyMaterial, err)
	}
	fileKey, err := encryption.UnwrapKey(wrapped, &master)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrKeyMaterial, err)
	}
	em.FileKey = fileKey
	return nil
}

// BuildMaterialDescriptor renders {"queryId":..,"smkId":..,"keySize":..} with string values.
func BuildMaterialDescriptor(queryID string, smkID int64, keyBits int) (string, error) {
	return marshalCompact(materialDescriptor{
		QueryID: queryID,
		SMKID:   strconv.FormatInt(smkID, 10),
		KeySize: strconv.Itoa(keyBits),
	})
}

// marshalCompact is json.Marshal without HTML escaping of <, > and &, so ids
// are stored in metadata as given.
func marshalCompact(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// ParseMaterialDescriptor reads a material descriptor back.
func ParseMaterialDescriptor(s string) (queryID, smkID string, keyBits int, err error) {
	var md materialDescriptor
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return "", "", 0, fmt.Errorf("invalid material descriptor: %w", err)
	}
	keyBits, err = strconv.Atoi(md.KeySize)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid key size %q in material descriptor", md.KeySize)
	}
	return md.QueryID, md.SMKID, keyBits, nil
}

// BuildEncryptionData renders {"iv":"<base64>","enKekEncoded":"<base64>"}.
func BuildEncryptionData(iv encryption.IV, enKekEncoded string) (string, error) {
	return marshalCompact(encryptionData{
		IV:           encryption.EncodeBase64(iv[:]),
		EnKekEncoded: enKekEncoded,
	})
}

// ParseEncryptionData accepts both the compact layout and the Azure client layout.
func ParseEncryptionData(s string) (encryption.IV, string, error) {
	var iv encryption.IV

	var ed encryptionData
	if err := json.Unmarshal([]byte(s), &ed); err != nil {
		return iv, "", fmt.Errorf("invalid encryption data: %w", err)
	}
	if ed.IV == "" && ed.EnKekEncoded == "" {
		var bd blobEncryptionData
		if err := json.Unmarshal([]byte(s), &bd); err != nil {
			return iv, "", fmt.Errorf("invalid encryption data: %w", err)
		}
		ed.IV = bd.ContentEncryptionIV
		ed.EnKekEncoded = bd.WrappedContentKey.EncryptedKey
	}
	if ed.IV == "" || ed.EnKekEncoded == "" {
		return iv, "", errors.New("encryption data is missing the IV or wrapped key")
	}

	raw, err := encryption.DecodeBase64(ed.IV)
	if err != nil {
		return iv, "", fmt.Errorf("invalid IV encoding: %w", err)
	}
	if len(raw) != encryption.IVSize {
		return iv, "", fmt.Errorf("IV must be %d bytes, got %d", encryption.IVSize, len(raw))
	}
	copy(iv[:], raw)
	return iv, ed.EnKekEncoded, nil
}

// ObjectMetadata returns the user metadata attached to an uploaded object.
func ObjectMetadata(meta *models.FileMetadata) (map[string]string, error) {
	md := make(map[string]string, 3)
	if meta.Encrypted {
		em := &meta.EncryptionMetadata
		encData, err := BuildEncryptionData(em.IV, em.EnKekEncoded)
		if err != nil {
			return nil, err
		}
		md[constants.MetadataMatDesc] = em.MatDesc
		md[constants.MetadataEncryptionData] = encData
	}
	if meta.SHA256Digest != "" {
		md[constants.MetadataDigest] = meta.SHA256Digest
	}
	return md, nil
}

// ApplyObjectMetadata reads stored user metadata back onto a download descriptor.
// Objects without encryption metadata are treated as plaintext.
func ApplyObjectMetadata(meta *models.FileMetadata, md map[string]string) error {
	meta.SHA256Digest = md[constants.MetadataDigest]

	encData, ok := md[constants.MetadataEncryptionData]
	if !ok || encData == "" {
		meta.Encrypted = false
		return nil
	}
	iv, enKek, err := ParseEncryptionData(encData)
	if err != nil {
		return err
	}
	meta.Encrypted = true
	meta.EncryptionMetadata.IV = iv
	meta.EncryptionMetadata.EnKekEncoded = enKek
	meta.EncryptionMetadata.MatDesc = md[constants.MetadataMatDesc]
	meta.EncryptionMetadata.CipherStreamSize = meta.SrcFileSize
	return nil
}
