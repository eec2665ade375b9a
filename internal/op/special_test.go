package op

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestGzipEndToEnd(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	archive := filepath.Join(t.TempDir(), "tree.tar.gz")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}

	head, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if len(head) < 2 || head[0] != 0x1f || head[1] != 0x8b {
		t.Fatalf("archive does not start with the gzip magic: % x", head[:2])
	}

	got := listNames(t, archive)
	want := []string{"d/", "d/a.txt", "d/b/", "d/b/c.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing differs (-want +got):\n%s", diff)
	}

	dst := t.TempDir()
	inDir(t, dst)
	if err := Extract(ctx, &Config{Archive: archive, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dst, "d", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hi\n\n" {
		t.Errorf("payload = %q", b)
	}
}

func TestAppendRefusesCompressed(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	archive := filepath.Join(t.TempDir(), "tree.tar.gz")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	if err := Append(ctx, &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err == nil {
		t.Fatal("append to a compressed archive succeeded")
	}
}

func TestSparseEndToEnd(t *testing.T) {
	src := t.TempDir()
	const logical = 1 << 20
	f, err := os.Create(filepath.Join(src, "holes.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(logical); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{'D'}, 64*1024)
	if _, err := f.WriteAt(data, 128*1024); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "sparse.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"holes.bin"}, Sparse: true, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	// The archive must be much smaller than the logical file size.
	st, err := os.Stat(archive)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() >= logical {
		t.Errorf("sparse archive is %d bytes, logical size %d", st.Size(), logical)
	}

	dst := t.TempDir()
	inDir(t, dst)
	if err := Extract(ctx, &Config{Archive: archive, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "holes.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != logical {
		t.Fatalf("extracted size = %d, want %d", len(got), logical)
	}
	if !bytes.Equal(got[128*1024:192*1024], data) {
		t.Error("data region mangled")
	}
	for i, c := range got[:128*1024] {
		if c != 0 {
			t.Fatalf("hole byte %d = %#x", i, c)
		}
	}
}

func TestExcludeAndTransform(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	if err := os.WriteFile(filepath.Join(src, "d", "skip.log"), []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "sel.tar")
	inDir(t, src)
	ctx := context.Background()
	cfg := &Config{
		Archive:    archive,
		Files:      []string{"d"},
		Excludes:   []string{"*.log"},
		Transforms: []string{"s/d/renamed/"},
		Warnf:      t.Logf,
	}
	if err := Create(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	got := listNames(t, archive)
	want := []string{"renamed/", "renamed/a.txt", "renamed/b/", "renamed/b/c.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing differs (-want +got):\n%s", diff)
	}
}

func TestStripComponents(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	archive := filepath.Join(t.TempDir(), "strip.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	dst := t.TempDir()
	inDir(t, dst)
	if err := Extract(ctx, &Config{Archive: archive, StripComponents: 1, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dst, "a.txt")); err != nil {
		t.Errorf("a.txt not at stripped location: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "d")); !os.IsNotExist(err) {
		t.Error("unstripped directory appeared")
	}
}

func TestToStdout(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	archive := filepath.Join(t.TempDir(), "stdout.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	dst := t.TempDir()
	inDir(t, dst)
	var buf bytes.Buffer
	cfg := &Config{Archive: archive, ToStdout: true, Out: &buf, Warnf: t.Logf}
	if err := Extract(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hi\n\n" {
		t.Errorf("stdout payload = %q, want %q", buf.String(), "hi\n\n")
	}
	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("to-stdout extraction touched the filesystem: %v", entries)
	}
}

func TestOverwritePolicies(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f"), []byte("from archive"), 0644); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "ow.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"f"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	inDir(t, dst)
	if err := os.WriteFile(filepath.Join(dst, "f"), []byte("pre-existing"), 0644); err != nil {
		t.Fatal(err)
	}

	// keep-old refuses and reports a partial failure.
	err := Extract(ctx, &Config{Archive: archive, Overwrite: KeepOld, Warnf: t.Logf})
	if err != ErrPartial {
		t.Errorf("keep-old extract = %v, want ErrPartial", err)
	}
	b, _ := os.ReadFile(filepath.Join(dst, "f"))
	if string(b) != "pre-existing" {
		t.Errorf("keep-old overwrote the file: %q", b)
	}

	// skip-old skips silently.
	if err := Extract(ctx, &Config{Archive: archive, Overwrite: SkipOld, Warnf: t.Logf}); err != nil {
		t.Errorf("skip-old extract = %v", err)
	}
	b, _ = os.ReadFile(filepath.Join(dst, "f"))
	if string(b) != "pre-existing" {
		t.Errorf("skip-old overwrote the file: %q", b)
	}

	// The default policy replaces.
	if err := Extract(ctx, &Config{Archive: archive, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	b, _ = os.ReadFile(filepath.Join(dst, "f"))
	if string(b) != "from archive" {
		t.Errorf("default extract kept the old content: %q", b)
	}
}

func TestRemoveFiles(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	archive := filepath.Join(t.TempDir(), "rm.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"d"}, RemoveFiles: true, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(src, "d")); !os.IsNotExist(err) {
		t.Error("inputs were not removed")
	}
	if got := listNames(t, archive); len(got) != 4 {
		t.Errorf("archive lists %d entries, want 4", len(got))
	}
}

func TestListedIncremental(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	dir := t.TempDir()
	snap := filepath.Join(dir, "snap")
	inDir(t, src)
	ctx := context.Background()

	full := filepath.Join(dir, "full.tar")
	if err := Create(ctx, &Config{Archive: full, Files: []string{"d"}, ListedIncremental: snap, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	if got := listNames(t, full); len(got) != 4 {
		t.Fatalf("full archive lists %d entries, want 4", len(got))
	}

	// Touch one file; the incremental archive carries it plus the
	// directory entries only.
	newer := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(src, "d", "a.txt"), newer, newer); err != nil {
		t.Fatal(err)
	}
	incr := filepath.Join(dir, "incr.tar")
	if err := Create(ctx, &Config{Archive: incr, Files: []string{"d"}, ListedIncremental: snap, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	got := listNames(t, incr)
	want := []string{"d/", "d/a.txt", "d/b/"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("incremental listing differs (-want +got):\n%s", diff)
	}
}

func TestVerify(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	archive := filepath.Join(t.TempDir(), "verify.tar")
	inDir(t, src)
	if err := Create(context.Background(), &Config{Archive: archive, Files: []string{"d"}, Verify: true, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
}

// Interoperability against the system tar: what dtar writes, GNU tar must
// read, and the other way around.
func TestInteropSystemTar(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not found in $PATH")
	}
	src := t.TempDir()
	buildTree(t, src)
	dir := t.TempDir()
	ctx := context.Background()

	// dtar creates, system tar lists.
	ours := filepath.Join(dir, "ours.tar")
	inDir(t, src)
	if err := Create(ctx, &Config{Archive: ours, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	out, err := exec.Command("tar", "-tf", ours).Output()
	if err != nil {
		t.Fatalf("system tar rejects our archive: %v", err)
	}
	names := strings.Split(strings.TrimSpace(string(out)), "\n")
	if diff := cmp.Diff([]string{"d/", "d/a.txt", "d/b/", "d/b/c.txt"}, names); diff != "" {
		t.Errorf("system tar listing differs (-want +got):\n%s", diff)
	}

	// System tar creates, dtar extracts.
	theirs := filepath.Join(dir, "theirs.tar")
	cmd := exec.Command("tar", "-cf", theirs, "d")
	cmd.Dir = src
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("system tar -c: %v: %s", err, out)
	}
	dst := t.TempDir()
	inDir(t, dst)
	if err := Extract(ctx, &Config{Archive: theirs, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dst, "d", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hi\n\n" {
		t.Errorf("payload = %q", b)
	}
}
