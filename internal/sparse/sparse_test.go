package sparse

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/dtar/internal/tarfmt"
)

// writeSparseFixture creates a file with data at the given offsets and a
// logical size of size.
func writeSparseFixture(t *testing.T, path string, size int64, data map[int64][]byte) *os.File {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	for off, b := range data {
		if _, err := f.WriteAt(b, off); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestDetect(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	const size = 4 * chunkSize
	f := writeSparseFixture(t, filepath.Join(dir, "holes"), size, map[int64][]byte{
		0:             bytes.Repeat([]byte{'a'}, 100),
		2 * chunkSize: bytes.Repeat([]byte{'b'}, chunkSize),
	})
	defer f.Close()

	regions, err := Detect(f, size)
	if err != nil {
		t.Fatal(err)
	}
	want := []tarfmt.Region{
		{Offset: 0, Length: chunkSize},
		{Offset: 2 * chunkSize, Length: chunkSize},
		{Offset: size, Length: 0}, // trailing hole marker
	}
	if len(regions) != len(want) {
		t.Fatalf("regions = %+v, want %+v", regions, want)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Errorf("region %d = %+v, want %+v", i, regions[i], want[i])
		}
	}
	if !Worthy(regions, size) {
		t.Error("clearly sparse file deemed unworthy")
	}
}

func TestDetectDense(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	content := bytes.Repeat([]byte{'x'}, chunkSize+100)
	f := writeSparseFixture(t, filepath.Join(dir, "dense"), int64(len(content)), map[int64][]byte{0: content})
	defer f.Close()

	regions, err := Detect(f, int64(len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 1 || regions[0].Offset != 0 || regions[0].Length != int64(len(content)) {
		t.Fatalf("regions = %+v, want one full-length region", regions)
	}
	if Worthy(regions, int64(len(content))) {
		t.Error("dense file deemed worthy of sparse encoding")
	}
}

func TestWorthy(t *testing.T) {
	t.Parallel()
	// One region covering almost everything: not worth it.
	if Worthy([]tarfmt.Region{{Offset: 0, Length: 95}}, 100) {
		t.Error("95% dense file deemed worthy")
	}
	// Physical below 90% of logical.
	if !Worthy([]tarfmt.Region{{Offset: 0, Length: 80}}, 100) {
		t.Error("80% dense file deemed unworthy")
	}
	// Several regions qualify regardless of ratio.
	if !Worthy([]tarfmt.Region{{Offset: 0, Length: 50}, {Offset: 60, Length: 40}}, 100) {
		t.Error("fragmented file deemed unworthy")
	}
	if Worthy(nil, 0) {
		t.Error("empty file deemed worthy")
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	const size = 3*chunkSize + 123
	payload := map[int64][]byte{
		chunkSize: bytes.Repeat([]byte{'d'}, chunkSize),
	}
	src := writeSparseFixture(t, filepath.Join(dir, "src"), size, payload)
	defer src.Close()

	regions, err := Detect(src, size)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	physical, err := WriteData(&buf, src, regions)
	if err != nil {
		t.Fatal(err)
	}
	if physical != int64(chunkSize) {
		t.Errorf("physical = %d, want %d", physical, chunkSize)
	}

	dst, err := os.Create(filepath.Join(dir, "dst"))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if err := Extract(dst, &buf, regions, size); err != nil {
		t.Fatal(err)
	}

	wantBytes := make([]byte, size)
	copy(wantBytes[chunkSize:], payload[chunkSize])
	got, err := os.ReadFile(filepath.Join(dir, "dst"))
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(got)) != size {
		t.Fatalf("extracted size = %d, want %d", len(got), size)
	}
	if !bytes.Equal(got, wantBytes) {
		t.Error("extracted bytes differ from source")
	}
}

func TestExtractDenseFallback(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	regions := []tarfmt.Region{{Offset: 1000, Length: 24}, {Offset: 5000, Length: 0}}
	data := bytes.Repeat([]byte{'z'}, 24)

	dst, err := os.Create(filepath.Join(dir, "dense"))
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if err := extractDense(dst, bytes.NewReader(data), regions, 5000); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "dense"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5000 {
		t.Fatalf("size = %d, want 5000", len(got))
	}
	if !bytes.Equal(got[1000:1024], data) {
		t.Error("data region misplaced")
	}
	for i, c := range got[:1000] {
		if c != 0 {
			t.Fatalf("leading hole byte %d = %#x", i, c)
		}
	}
	for i, c := range got[1024:] {
		if c != 0 {
			t.Fatalf("trailing hole byte %d = %#x", i, c)
		}
	}
}
