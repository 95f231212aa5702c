package stage

import (
	"io/ioutil"
	"strings"
	"testing"

	"github.com/ndlib/vaultkeep/store"
)

func TestVolumeWriteRead(t *testing.T) {
	var table = []struct {
		name string
		data string // split appends on "|", writes on "^"
	}{
		{"backup-0001.dblock", "single write"},
		{"backup-0002.dblock", "two ^writes"},
		{"backup-0003.dblock", "a write|and ^append"},
	}
	mem := store.NewMemory()
	s := New(mem)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	for _, test := range table {
		var expected string
		v := s.Open(test.name)
		for _, segment := range strings.Split(test.data, "|") {
			w, err := v.Append()
			if err != nil {
				t.Fatal(err)
			}
			for _, word := range strings.Split(segment, "^") {
				expected += word
				w.Write([]byte(word))
			}
			w.Close()
		}
		rc := v.Reader()
		result, _ := ioutil.ReadAll(rc)
		rc.Close()
		if string(result) != expected {
			t.Fatalf("got %q, want %q", result, expected)
		}
		if v.Stat().Size != int64(len(expected)) {
			t.Fatalf("Stat().Size = %d, want %d", v.Stat().Size, len(expected))
		}
	}
}

func TestVolumeResumesAfterReload(t *testing.T) {
	mem := store.NewMemory()
	s := New(mem)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	v := s.Open("backup-0001.dblock")
	w, _ := v.Append()
	w.Write([]byte("first fragment"))
	w.Close()

	s2 := New(mem)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	names := s2.Names()
	if len(names) != 1 || names[0] != "backup-0001.dblock" {
		t.Fatalf("Names() = %v, want [backup-0001.dblock]", names)
	}

	v2 := s2.Open("backup-0001.dblock")
	w2, _ := v2.Append()
	w2.Write([]byte(" second fragment"))
	w2.Close()

	rc := v2.Reader()
	result, _ := ioutil.ReadAll(rc)
	rc.Close()
	if string(result) != "first fragment second fragment" {
		t.Fatalf("got %q after resume", result)
	}
}

func TestVolumeRollback(t *testing.T) {
	mem := store.NewMemory()
	s := New(mem)
	v := s.Open("backup-0001.dblock")

	w, _ := v.Append()
	w.Write([]byte("keep this"))
	w.Close()

	w2, _ := v.Append()
	w2.Write([]byte("drop this"))
	w2.Close()

	if err := v.Rollback(); err != nil {
		t.Fatal(err)
	}

	rc := v.Reader()
	result, _ := ioutil.ReadAll(rc)
	rc.Close()
	if string(result) != "keep this" {
		t.Fatalf("got %q after rollback, want %q", result, "keep this")
	}
}

func TestDiscardRemovesFragments(t *testing.T) {
	mem := store.NewMemory()
	s := New(mem)
	v := s.Open("backup-0001.dblock")
	w, _ := v.Append()
	w.Write([]byte("data"))
	w.Close()

	if err := s.Discard("backup-0001.dblock"); err != nil {
		t.Fatal(err)
	}
	if len(s.Names()) != 0 {
		t.Fatalf("Names() = %v, want empty after discard", s.Names())
	}
	if err := s.Discard("does-not-exist"); err != nil {
		t.Fatalf("discarding missing volume should not error, got %v", err)
	}
}
