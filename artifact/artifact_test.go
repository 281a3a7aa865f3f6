package artifact

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirWriteOpenRoundTrip(t *testing.T) {
	d, err := NewDir(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	data := bytes.Repeat([]byte("tile-bytes"), 1000)

	n, err := d.Write("00ab.bin", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("Write reported %d bytes, want %d", n, len(data))
	}

	rc, err := d.Open("00ab.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("read back mismatch (err=%v)", err)
	}

	ok, err := d.Exists("00ab.bin")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestDirWriteReplaces(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if _, err := d.Write("a", strings.NewReader("old")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := d.Write("a", strings.NewReader("new")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	rc, _ := d.Open("a")
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "new" {
		t.Fatalf("rewrite not visible: %q", got)
	}
}

func TestDirRemoveIdempotent(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if _, err := d.Write("victim", strings.NewReader("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Remove("victim"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := d.Remove("victim"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if ok, _ := d.Exists("victim"); ok {
		t.Fatalf("removed artifact still exists")
	}
}

func TestDirRejectsPathEscapes(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	for _, name := range []string{"", "..", "a/b", `a\b`} {
		if _, err := d.Write(name, strings.NewReader("x")); err == nil {
			t.Fatalf("name %q accepted", name)
		}
	}
}

func TestDirNoPartialOnWriteError(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if _, err := d.Write("half", failAfter{limit: 10}); err == nil {
		t.Fatalf("expected write error")
	}
	if ok, _ := d.Exists("half"); ok {
		t.Fatalf("failed write left artifact behind")
	}
	ents, _ := os.ReadDir(root)
	if len(ents) != 0 {
		t.Fatalf("temp files left behind: %v", ents)
	}
}

type failAfter struct{ limit int }

func (f failAfter) Read(p []byte) (int, error) {
	if f.limit <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := f.limit
	if n > len(p) {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] = 'z'
	}
	return n, io.ErrUnexpectedEOF
}

func TestZstdRoundTripAndLogicalSize(t *testing.T) {
	inner, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	z := NewZstd(inner, 0)

	data := bytes.Repeat([]byte("very compressible payload "), 4096)
	n, err := z.Write("c.zst", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("logical size %d, want %d", n, len(data))
	}

	// The stored artifact must actually be smaller than the payload.
	rc, err := inner.Open("c.zst")
	if err != nil {
		t.Fatalf("Open raw: %v", err)
	}
	raw, _ := io.ReadAll(rc)
	rc.Close()
	if len(raw) >= len(data) {
		t.Fatalf("compression did not shrink: %d >= %d", len(raw), len(data))
	}

	zrc, err := z.Open("c.zst")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(zrc)
	zrc.Close()
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("zstd round trip mismatch (err=%v)", err)
	}
}
