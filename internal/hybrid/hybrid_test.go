package hybrid

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	ad := AssociatedData("tok1", "server_1700000000", 1024, 2)

	sealed, err := Seal(key, []byte("hello world"), ad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := Open(key, sealed, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "hello world" {
		t.Errorf("opened = %q, want %q", opened, "hello world")
	}
}

func TestOpenFailsOnAssociatedDataMismatch(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	sealed, err := Seal(key, []byte("secret"), AssociatedData("tok1", "k1", 10, 1))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(key, sealed, AssociatedData("tok1", "k1", 99, 1)); err == nil {
		t.Errorf("expected Open to fail on mismatched associated data")
	}
}

func TestEachSealUsesFreshNonce(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 32)
	ad := AssociatedData("tok1", "k1", 10, 1)

	a, _ := Seal(key, []byte("same plaintext"), ad)
	b, _ := Seal(key, []byte("same plaintext"), ad)
	if bytes.Equal(a, b) {
		t.Errorf("expected distinct ciphertexts across calls due to fresh nonces")
	}
}
