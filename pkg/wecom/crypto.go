// Package wecom implements the WeCom Customer-Service callback crypto,
// message parsing, access-token caching, outbound send client, and
// sync-msg cursor pump (spec.md components 4.A-4.E).
package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/sipeed/wecom-relay/pkg/relayerr"
)

// wecomBlockSize is the padding block size WeCom's envelope uses (32
// bytes), distinct from AES's own 16-byte cipher block size.
const wecomBlockSize = 32

// AESKeyPair is the decoded form of the 43-character EncodingAESKey:
// the full 32-byte key and the first 16 bytes of it reused as the IV.
type AESKeyPair struct {
	Key []byte
	IV  []byte
}

// DecodeEncodingAESKey decodes the 43-character WeCom base64-variant
// key into an AESKeyPair. Appending "=" yields canonical base64 that
// decodes to exactly 32 bytes.
func DecodeEncodingAESKey(k string) (*AESKeyPair, error) {
	if len(k) != 43 {
		return nil, fmt.Errorf("%w: must be 43 characters, got %d", relayerr.ErrInvalidKey, len(k))
	}
	decoded, err := base64.StdEncoding.DecodeString(k + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", relayerr.ErrInvalidKey, err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("%w: decoded key must be 32 bytes, got %d", relayerr.ErrInvalidKey, len(decoded))
	}
	return &AESKeyPair{Key: decoded, IV: decoded[:aes.BlockSize]}, nil
}

// ComputeSignature sorts the four strings lexicographically,
// concatenates them, and returns the lowercase hex SHA-1 digest. The
// caller is responsible for comparing it against the external
// msg_signature in constant time.
func ComputeSignature(token, timestamp, nonce, encrypt string) string {
	parts := []string{token, timestamp, nonce, encrypt}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// VerifySignature constant-time-compares the computed signature
// against the one WeCom supplied.
func VerifySignature(token, timestamp, nonce, encrypt, msgSignature string) bool {
	expected := ComputeSignature(token, timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(msgSignature)) == 1
}

// Decrypt base64-decodes ciphertextB64, AES-256-CBC decrypts it with
// kp, strips the PKCS#7 padding (validating every pad byte per
// spec.md §9's open question rather than trusting the length prefix
// blindly), and parses the random(16) || msgLen(4, big-endian) ||
// msg || corpID layout. It fails with ErrCorpIDMismatch if the
// trailing corpID doesn't match expectedCorpID.
func Decrypt(ciphertextB64 string, kp *AESKeyPair, expectedCorpID string) (string, error) {
	cipherText, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %s", relayerr.ErrMalformedCiphertext, err)
	}
	if len(cipherText) < aes.BlockSize || len(cipherText)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d not a multiple of block size", relayerr.ErrMalformedCiphertext, len(cipherText))
	}

	block, err := aes.NewCipher(kp.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", relayerr.ErrMalformedCiphertext, err)
	}

	plainText := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(block, kp.IV).CryptBlocks(plainText, cipherText)

	plainText, err = pkcs7Unpad(plainText)
	if err != nil {
		return "", fmt.Errorf("%w: %s", relayerr.ErrMalformedCiphertext, err)
	}

	if len(plainText) < 20 {
		return "", fmt.Errorf("%w: decrypted payload too short", relayerr.ErrMalformedCiphertext)
	}

	msgLen := binary.BigEndian.Uint32(plainText[16:20])
	if int(msgLen) > len(plainText)-20 {
		return "", fmt.Errorf("%w: msg length %d exceeds payload", relayerr.ErrMalformedCiphertext, msgLen)
	}

	msg := plainText[20 : 20+msgLen]
	corpID := string(plainText[20+msgLen:])
	if corpID != expectedCorpID {
		return "", fmt.Errorf("%w: expected %q got %q", relayerr.ErrCorpIDMismatch, expectedCorpID, corpID)
	}

	return string(msg), nil
}

// Encrypt builds the random(16) || msgLen(4) || msg || corpID layout
// with fresh random bytes, PKCS#7-pads it to a 32-byte boundary, and
// AES-256-CBC encrypts + base64-encodes it. Used only for the
// GET-verify echostr response.
func Encrypt(plaintext, corpID string, kp *AESKeyPair) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generating random prefix: %w", err)
	}

	msgBytes := []byte(plaintext)
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(msgBytes)))

	plain := append(append(append(append([]byte{}, random...), lenBytes...), msgBytes...), []byte(corpID)...)
	plain = pkcs7Pad(plain, wecomBlockSize)

	block, err := aes.NewCipher(kp.Key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	cipherText := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, kp.IV).CryptBlocks(cipherText, plain)

	return base64.StdEncoding.EncodeToString(cipherText), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	if padding == 0 {
		padding = blockSize
	}
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// pkcs7Unpad removes PKCS#7 padding, validating that every pad byte
// equals the declared pad length (1..wecomBlockSize). This is the
// robust behavior spec.md §9 flags as an open question: the original
// path trusted the embedded msgLen without checking padding bytes.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > wecomBlockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding size: %d", padding)
	}
	for i := 0; i < padding; i++ {
		if data[len(data)-1-i] != byte(padding) {
			return nil, fmt.Errorf("invalid padding byte at position %d", i)
		}
	}
	return data[:len(data)-padding], nil
}
