package blockstore

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestWriterAccumulatesHash(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, sha256.New)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256([]byte("hello"))
	if !bytes.Equal(w.Sum(), want[:]) {
		t.Errorf("hash mismatch")
	}
	if out.String() != "hello" {
		t.Errorf("underlying writer got %q", out.String())
	}
}

func TestEncodeDecodeHash(t *testing.T) {
	raw := sha256.Sum256([]byte("x"))
	s := EncodeHash(raw[:])
	got, err := DecodeHash(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw[:]) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestBlocklistRoundtrip(t *testing.T) {
	h1 := sha256.Sum256([]byte("a"))
	h2 := sha256.Sum256([]byte("b"))
	hashes := [][]byte{h1[:], h2[:]}
	payload, err := EncodeBlocklist(hashes)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) != 2*HashSize {
		t.Fatalf("payload length = %d", len(payload))
	}
	got, err := DecodeBlocklist(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], h1[:]) || !bytes.Equal(got[1], h2[:]) {
		t.Errorf("roundtrip mismatch")
	}
	if err := VerifyBlocklist(payload, hashes); err != nil {
		t.Errorf("VerifyBlocklist: %v", err)
	}
}

func TestNeedsBlocklist(t *testing.T) {
	c := Config{BlockSize: 64} // BlocksPerBlocklistChunk = 64/32 = 2
	if c.NeedsBlocklist(2) {
		t.Errorf("2 blocks should fit in one chunk")
	}
	if !c.NeedsBlocklist(3) {
		t.Errorf("3 blocks should require a blocklist")
	}
	chunks := c.BlocklistChunks(5)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
}
