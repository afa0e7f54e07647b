package proair

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// GenerateDeviceID returns a random 16-hex-char installation id. The
// vendor apps generate one per install; it seeds the cipher key and must
// be persisted.
func GenerateDeviceID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// cipherBox encrypts and decrypts API payloads the way the ProAir mobile
// apps do: AES-256-CBC with a SHA-256 derived key, an all-zero IV, PKCS#7
// padding, and base64 transport encoding.
type cipherBox struct {
	key [32]byte
}

// newCipherBox derives the cipher key from the first 8 characters of the
// installation device id concatenated with the account salt.
func newCipherBox(deviceID string) (*cipherBox, error) {
	if len(deviceID) < 8 {
		return nil, fmt.Errorf("device id too short: %d chars", len(deviceID))
	}
	return &cipherBox{key: sha256.Sum256([]byte(deviceID[:8] + apiSalt))}, nil
}

// The IV is fixed at 16 zero bytes in the vendor protocol.
var zeroIV [aes.BlockSize]byte

func (c *cipherBox) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *cipherBox) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return "", errors.New("invalid cbc ciphertext length")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(out, data)
	unpadded, err := pkcs7Unpad(out, block.BlockSize())
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - (len(data) % blockSize)
	padding := bytes.Repeat([]byte{byte(pad)}, pad)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding size")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for i := 0; i < pad; i++ {
		if data[len(data)-1-i] != byte(pad) {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
