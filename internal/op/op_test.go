package op

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// The operation tests drive whole workflows through temp directories. They
// change the working directory, so none of them run in parallel.

func inDir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

// buildTree creates the canonical test tree:
//
//	d/a.txt   4 bytes "hi\n\n"
//	d/b/      directory
//	d/b/c.txt empty
func buildTree(t *testing.T, root string) {
	t.Helper()
	mtime := time.Unix(1600000000, 0)
	if err := os.MkdirAll(filepath.Join(root, "d", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "d", "a.txt"), []byte("hi\n\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "d", "b", "c.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{
		filepath.Join(root, "d", "a.txt"),
		filepath.Join(root, "d", "b", "c.txt"),
		filepath.Join(root, "d", "b"),
		filepath.Join(root, "d"),
	} {
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func listNames(t *testing.T, archive string) []string {
	t.Helper()
	var buf bytes.Buffer
	cfg := &Config{Archive: archive, Out: &buf, Warnf: t.Logf}
	if err := List(context.Background(), cfg); err != nil {
		t.Fatalf("list %s: %v", archive, err)
	}
	out := strings.TrimSuffix(buf.String(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestCreateList(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	inDir(t, src)
	archive := filepath.Join(t.TempDir(), "tree.tar")

	cfg := &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}
	if err := Create(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	got := listNames(t, archive)
	want := []string{"d/", "d/a.txt", "d/b/", "d/b/c.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing differs (-want +got):\n%s", diff)
	}
}

func TestListVerbose(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	inDir(t, src)
	archive := filepath.Join(t.TempDir(), "tree.tar")
	if err := Create(context.Background(), &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cfg := &Config{Archive: archive, Verbosity: Verbose, NumericOwner: true, Out: &buf, Warnf: t.Logf}
	if err := List(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "drwxr-xr-x ") {
		t.Errorf("directory line = %q", lines[0])
	}
	if !strings.Contains(lines[1], " 4 ") || !strings.HasSuffix(lines[1], "d/a.txt") {
		t.Errorf("file line = %q", lines[1])
	}
}

func TestCreateExtractFidelity(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	mtime := time.Unix(1600000000, 0)
	if err := os.Symlink("a.txt", filepath.Join(src, "d", "s")); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(src, "d", "a.txt"), filepath.Join(src, "d", "hard")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "d", "exec"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(src, "d", "exec"), mtime, mtime); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "fidelity.tar")
	inDir(t, src)
	if err := Create(context.Background(), &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	inDir(t, dst)
	cfg := &Config{Archive: archive, PreservePerms: true, Warnf: t.Logf}
	if err := Extract(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(filepath.Join(dst, "d", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hi\n\n" {
		t.Errorf("payload = %q, want %q", b, "hi\n\n")
	}
	target, err := os.Readlink(filepath.Join(dst, "d", "s"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "a.txt" {
		t.Errorf("symlink target = %q, want a.txt", target)
	}
	ai, err := os.Stat(filepath.Join(dst, "d", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	hi, err := os.Stat(filepath.Join(dst, "d", "hard"))
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(ai, hi) {
		t.Error("hard link was not preserved")
	}
	ei, err := os.Stat(filepath.Join(dst, "d", "exec"))
	if err != nil {
		t.Fatal(err)
	}
	if ei.Mode().Perm() != 0755 {
		t.Errorf("exec mode = %o, want 755", ei.Mode().Perm())
	}
	if !ai.ModTime().Truncate(time.Second).Equal(mtime) {
		t.Errorf("mtime = %v, want %v", ai.ModTime(), mtime)
	}
}

func TestAppend(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "y.txt"), []byte("yyy"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "x.txt"), []byte("xxx"), 0644); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "app.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"y.txt"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if err := Append(ctx, &Config{Archive: archive, Files: []string{"x.txt"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	got := listNames(t, archive)
	if diff := cmp.Diff([]string{"y.txt", "x.txt"}, got); diff != "" {
		t.Errorf("listing differs (-want +got):\n%s", diff)
	}
	// The prior content bytes are unchanged: y.txt's header and payload
	// blocks must be bit-identical.
	after, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before[:1024], after[:1024]) {
		t.Error("append modified existing archive bytes")
	}
}

func TestUpdate(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a"), []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "b"), []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	for _, n := range []string{"a", "b"} {
		if err := os.Chtimes(filepath.Join(src, n), old, old); err != nil {
			t.Fatal(err)
		}
	}
	archive := filepath.Join(t.TempDir(), "upd.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"a", "b"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}

	// a becomes newer than its archived copy, b stays put.
	if err := os.WriteFile(filepath.Join(src, "a"), []byte("newer"), 0644); err != nil {
		t.Fatal(err)
	}
	newer := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(src, "a"), newer, newer); err != nil {
		t.Fatal(err)
	}
	if err := Update(ctx, &Config{Archive: archive, Files: []string{"a", "b"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	got := listNames(t, archive)
	if diff := cmp.Diff([]string{"a", "b", "a"}, got); diff != "" {
		t.Errorf("listing differs (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	src := t.TempDir()
	payloads := map[string]string{"a": "aaa", "mid": "mmm", "b": "bbb"}
	for name, content := range payloads {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	archive := filepath.Join(t.TempDir(), "del.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"a", "mid", "b"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	if err := Delete(ctx, &Config{Archive: archive, Files: []string{"mid"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	got := listNames(t, archive)
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("listing differs (-want +got):\n%s", diff)
	}

	dst := t.TempDir()
	inDir(t, dst)
	if err := Extract(ctx, &Config{Archive: archive, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b"} {
		b, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != payloads[name] {
			t.Errorf("%s payload = %q, want %q", name, b, payloads[name])
		}
	}
	if _, err := os.Lstat(filepath.Join(dst, "mid")); !os.IsNotExist(err) {
		t.Error("deleted member was extracted")
	}
}

func TestDiff(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)
	archive := filepath.Join(t.TempDir(), "diff.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: archive, Files: []string{"d"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Diff(ctx, &Config{Archive: archive, Out: &buf, Warnf: t.Logf}); err != nil {
		t.Fatalf("clean diff: %v (%s)", err, buf.String())
	}

	if err := os.WriteFile(filepath.Join(src, "d", "a.txt"), []byte("hi!!"), 0644); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	err := Diff(ctx, &Config{Archive: archive, Out: &buf, Warnf: t.Logf})
	if err != ErrDifferences {
		t.Fatalf("diff after modification = %v, want ErrDifferences", err)
	}
	if !strings.Contains(buf.String(), "a.txt") {
		t.Errorf("diff output does not name the file:\n%s", buf.String())
	}
}

func TestConcatenate(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "x"), []byte("xx"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "y"), []byte("yy"), 0644); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	a1 := filepath.Join(dir, "one.tar")
	a2 := filepath.Join(dir, "two.tar")
	inDir(t, src)
	ctx := context.Background()
	if err := Create(ctx, &Config{Archive: a1, Files: []string{"x"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	if err := Create(ctx, &Config{Archive: a2, Files: []string{"y"}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	if err := Concatenate(ctx, &Config{Archive: a1, Files: []string{a2}, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	got := listNames(t, a1)
	if diff := cmp.Diff([]string{"x", "y"}, got); diff != "" {
		t.Errorf("listing differs (-want +got):\n%s", diff)
	}

	dst := t.TempDir()
	inDir(t, dst)
	if err := Extract(ctx, &Config{Archive: a1, Warnf: t.Logf}); err != nil {
		t.Fatal(err)
	}
	for name, want := range map[string]string{"x": "xx", "y": "yy"} {
		b, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != want {
			t.Errorf("%s = %q, want %q", name, b, want)
		}
	}
}
