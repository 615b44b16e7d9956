// Package cryptox verifies and decrypts attachment blobs.
//
// A blob is IV (16 bytes) ‖ AES-256-CBC ciphertext (PKCS#7) ‖ HMAC-SHA256 (32 bytes),
// where the MAC covers IV and ciphertext. The attachment digest is SHA-256 over the
// whole blob. Keys are 64 bytes: AES key followed by MAC key.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	KeySize    = 64
	DigestSize = sha256.Size
	ivSize     = aes.BlockSize
	macSize    = sha256.Size

	// decryption works on whole blocks, bufferSize must stay a multiple of aes.BlockSize
	bufferSize = 64 * 1024
)

var (
	ErrInvalidKey       = errors.New("invalid attachment key")
	ErrMissingDigest    = errors.New("attachment digest missing")
	ErrDigestMismatch   = errors.New("attachment digest mismatch")
	ErrMACMismatch      = errors.New("attachment mac mismatch")
	ErrInvalidBlob      = errors.New("malformed attachment blob")
	ErrInvalidPadding   = errors.New("invalid attachment padding")
	ErrPlaintextTooLong = errors.New("declared plaintext length exceeds decrypted size")
)

// DecryptFile verifies the blob at cipherPath against digest and the MAC key, then
// writes the first plaintextLength bytes of plaintext to plainPath. A
// plaintextLength of zero or less means the length is unknown and the whole
// unpadded plaintext is written. On error plainPath is removed.
func DecryptFile(cipherPath, plainPath string, key, digest []byte, plaintextLength int64) (err error) {
	if len(key) != KeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key))
	}
	switch {
	case len(digest) == 0:
		return ErrMissingDigest
	case len(digest) != DigestSize:
		return fmt.Errorf("%w: digest is %d bytes", ErrDigestMismatch, len(digest))
	}
	aesKey, macKey := key[:32], key[32:]

	in, err := os.Open(cipherPath)
	if err != nil {
		return fmt.Errorf("open ciphertext: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat ciphertext: %w", err)
	}
	bodyLen := info.Size() - ivSize - macSize
	if bodyLen <= 0 || bodyLen%aes.BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidBlob, info.Size())
	}

	if err := verify(in, bodyLen, macKey, digest); err != nil {
		return err
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind ciphertext: %w", err)
	}

	out, err := os.OpenFile(plainPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create plaintext: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(plainPath)
		}
	}()

	return decrypt(in, out, bodyLen, aesKey, plaintextLength)
}

// verify checks the blob MAC and digest in a single pass.
func verify(in io.Reader, bodyLen int64, macKey, digest []byte) error {
	mac := hmac.New(sha256.New, macKey)
	sum := sha256.New()

	if _, err := io.CopyN(io.MultiWriter(mac, sum), in, ivSize+bodyLen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	theirMAC := make([]byte, macSize)
	if _, err := io.ReadFull(in, theirMAC); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	sum.Write(theirMAC)

	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return ErrMACMismatch
	}
	if subtle.ConstantTimeCompare(sum.Sum(nil), digest) != 1 {
		return ErrDigestMismatch
	}
	return nil
}

func decrypt(in io.Reader, out io.Writer, bodyLen int64, aesKey []byte, plaintextLength int64) error {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(in, iv); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	var written int64
	emit := func(p []byte) error {
		if plaintextLength > 0 {
			if remaining := plaintextLength - written; int64(len(p)) > remaining {
				p = p[:max(remaining, 0)]
			}
		}
		n, err := out.Write(p)
		written += int64(n)
		return err
	}

	buf := make([]byte, bufferSize)
	remaining := bodyLen
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(in, chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlob, err)
		}
		mode.CryptBlocks(chunk, chunk)
		remaining -= n

		if remaining == 0 {
			unpadded, err := unpad(chunk)
			if err != nil {
				return err
			}
			chunk = unpadded
		}
		if err := emit(chunk); err != nil {
			return fmt.Errorf("write plaintext: %w", err)
		}
	}

	if plaintextLength > 0 && written < plaintextLength {
		return fmt.Errorf("%w: declared %d, got %d", ErrPlaintextTooLong, plaintextLength, written)
	}
	return nil
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, ErrInvalidPadding
	}
	return b[:len(b)-n], nil
}

// Sealed is the output of Seal: the blob plus the metadata a pointer must carry.
type Sealed struct {
	Blob   []byte
	Key    []byte
	Digest []byte
}

// Seal encrypts plaintext with a fresh random key. It produces blobs for fixtures
// and test servers; the upload path is not part of this module.
func Seal(plaintext []byte) (*Sealed, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], bytes.Repeat([]byte{byte(padLen)}, padLen))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

	blob := make([]byte, 0, ivSize+len(padded)+macSize)
	blob = append(blob, iv...)
	blob = append(blob, padded...)
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(blob)
	blob = mac.Sum(blob)

	digest := sha256.Sum256(blob)
	return &Sealed{Blob: blob, Key: key, Digest: digest[:]}, nil
}
