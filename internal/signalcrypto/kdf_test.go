package signalcrypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// RFC 5869 test case 1.
func TestExpandRFC5869(t *testing.T) {
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")
	want := "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865"

	okm, err := Expand(ikm, salt, info, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(okm); got != want {
		t.Fatalf("okm mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestDeriveSecretsMatchesExpand(t *testing.T) {
	ikm := []byte("input keying material")
	info := []byte("WhisperMessageKeys")

	chunks, err := DeriveSecrets(ikm, nil, info, 3)
	if err != nil {
		t.Fatal(err)
	}
	flat, err := Expand(ikm, make([]byte, 32), info, 96)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if !bytes.Equal(c, flat[i*32:(i+1)*32]) {
			t.Fatalf("chunk %d mismatch", i)
		}
	}
}

func TestDeriveSecretsRejectsZeroChunks(t *testing.T) {
	if _, err := DeriveSecrets([]byte("x"), nil, nil, 0); err == nil {
		t.Fatal("expected error")
	}
}
