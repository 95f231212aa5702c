package archive

import (
	"bytes"
	"testing"
	"time"
)

func TestWriteReadDList(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, KindDList)

	m := Manifest{
		Version:    "1",
		Created:    time.Unix(1000, 0).UTC(),
		Encoding:   "none",
		BlockSize:  102400,
		BlockHash:  "sha256",
		FileHash:   "sha256",
		AppVersion: "test",
	}
	if err := w.WriteManifest(m); err != nil {
		t.Fatal(err)
	}

	entries := []FileEntry{
		{Type: "File", Path: "a/b.txt", Size: 11, Time: 1000, Hash: "abcd"},
		{Type: "Folder", Path: "a", Size: 0, Time: 1000},
	}
	if err := w.WriteFileList(entries); err != nil {
		t.Fatal(err)
	}

	cw, err := w.CreateControl("notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cw.Write([]byte("hello control")); err != nil {
		t.Fatal(err)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}

	gotM, err := r.ReadManifest()
	if err != nil {
		t.Fatal(err)
	}
	if gotM.Version != "1" || gotM.BlockSize != 102400 {
		t.Errorf("manifest roundtrip mismatch: %+v", gotM)
	}

	gotEntries, err := r.ReadFileList()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotEntries) != 2 || gotEntries[0].Path != "a/b.txt" {
		t.Errorf("filelist roundtrip mismatch: %+v", gotEntries)
	}

	rc, err := r.OpenControl("notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var out bytes.Buffer
	out.ReadFrom(rc)
	if out.String() != "hello control" {
		t.Errorf("control roundtrip = %q", out.String())
	}
}

func TestWriteReadDBlock(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, KindDBlock)

	rawHash := []byte("0123456789abcdef0123456789abcdef")
	bw, err := w.CreateBlock(rawHash)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("block payload data")
	if _, err := bw.Write(payload); err != nil {
		t.Fatal(err)
	}
	gotHash := w.LastHash()
	if len(gotHash) == 0 {
		t.Fatal("expected non-empty block hash after write")
	}
	if w.Size() != int64(len(payload)) {
		t.Errorf("Size() = %d, want %d", w.Size(), len(payload))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	rc, err := r.OpenBlock(rawHash)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var out bytes.Buffer
	out.ReadFrom(rc)
	if out.String() != string(payload) {
		t.Errorf("block roundtrip = %q, want %q", out.String(), payload)
	}
}

func TestWriteReadDIndex(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, KindDIndex)

	if _, err := w.CreateBlocklist("blockhash1"); err != nil {
		t.Fatal(err)
	}
	entries := []IndexVolEntry{{Hash: "h1", Size: 100}, {Hash: "h2", Size: 200}}
	if err := w.WriteVolIndex("backup-0001.dblock", entries); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadVolIndex("backup-0001.dblock")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Hash != "h1" || got[1].Size != 200 {
		t.Errorf("volindex roundtrip mismatch: %+v", got)
	}
}

func TestOpenMissingReturnsErrNotFound(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, KindDList)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.open("nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
