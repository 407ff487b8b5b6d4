package signalcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := bytes.Repeat([]byte{0x01}, aes.BlockSize)

	for _, size := range []int{0, 1, 15, 16, 17, 31, 32, 100} {
		plaintext := bytes.Repeat([]byte{0x42}, size)
		ct, err := EncryptAESCBC(key, iv, plaintext)
		if err != nil {
			t.Fatalf("size=%d: encrypt: %v", size, err)
		}
		if len(ct)%aes.BlockSize != 0 || len(ct) <= size {
			t.Fatalf("size=%d: unexpected ciphertext length %d", size, len(ct))
		}

		decrypted, err := DecryptAESCBC(key, iv, ct)
		if err != nil {
			t.Fatalf("size=%d: decrypt: %v", size, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("size=%d: mismatch", size)
		}
	}
}

func TestEncryptRejectsBadIV(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	if _, err := EncryptAESCBC(key, []byte{1, 2, 3}, []byte("x")); err == nil {
		t.Fatal("expected error for short IV")
	}
}

func TestDecryptRejectsBadCiphertextLength(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := bytes.Repeat([]byte{0x00}, 16)
	if _, err := DecryptAESCBC(key, iv, []byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected error for non-block-aligned ciphertext")
	}
	if _, err := DecryptAESCBC(key, iv, nil); err == nil {
		t.Fatal("expected error for empty ciphertext")
	}
}

func TestDecryptRejectsBadPadding(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := bytes.Repeat([]byte{0x00}, 16)

	// A raw block ending in 0x00 is never valid PKCS7.
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, aes.BlockSize)
	ct := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, raw)

	if _, err := DecryptAESCBC(key, iv, ct); err == nil {
		t.Fatal("expected padding error")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	iv := bytes.Repeat([]byte{0x07}, 16)
	ct, err := EncryptAESCBC(bytes.Repeat([]byte{0x01}, 32), iv, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := DecryptAESCBC(bytes.Repeat([]byte{0x02}, 32), iv, ct)
	if err == nil && bytes.Equal(pt, []byte("secret")) {
		t.Fatal("decrypting with the wrong key must not yield the plaintext")
	}
}
