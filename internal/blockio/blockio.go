package blockio

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ErrNotSeekable is returned when an operation requiring in-place editing
// (append, update, delete, concatenate) is attempted on a compressed or
// non-file archive.
var ErrNotSeekable = xerrors.New("dtar: archive is compressed or not seekable")

// A Reader is the read side of the archive transport: the archive file with
// any compression filter already peeled off.
type Reader struct {
	r  io.Reader
	f  *os.File // nil when reading from stdin
	rc io.Closer
	ps *process
	comp Compression
}

// OpenReader opens the archive at path, "-" meaning stdin. Under Auto the
// compression is detected by extension first, then by magic bytes.
func OpenReader(ctx context.Context, path string, comp Compression) (*Reader, error) {
	var (
		f   *os.File
		err error
	)
	if path == "-" {
		f = os.Stdin
	} else {
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
	}

	var src io.Reader = f
	if comp == Auto {
		comp = byExtension(path)
		if comp == None {
			// Peek the magic without consuming from the stream.
			br := bufio.NewReader(f)
			head, err := br.Peek(6)
			if err != nil && err != io.EOF {
				f.Close()
				return nil, err
			}
			comp = byMagic(head)
			if comp != None {
				src = br
			}
			// An uncompressed seekable archive keeps the raw file as the
			// source so skipping can seek; the buffered bytes are behind us
			// only when a filter consumes them.
			if comp == None && path != "-" {
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					f.Close()
					return nil, err
				}
			} else if comp == None {
				src = br
			}
		}
	}

	rd := &Reader{f: f, comp: comp}
	if comp == None {
		rd.r = src
		return rd, nil
	}

	if argv := comp.program(true); argv != nil {
		if _, err := exec.LookPath(argv[0]); err == nil {
			ps, stdout, err := startProcess(ctx, argv, src, nil)
			if err != nil {
				f.Close()
				return nil, err
			}
			rd.ps = ps
			rd.r = stdout
			return rd, nil
		}
	}

	// No external binary; fall back to an in-process codec where one exists.
	switch comp {
	case Gzip:
		zr, err := pgzip.NewReader(src)
		if err != nil {
			f.Close()
			return nil, xerrors.Errorf("gzip: %w", err)
		}
		rd.r, rd.rc = zr, zr
	case Bzip2:
		rd.r = bzip2.NewReader(src)
	case Zstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			f.Close()
			return nil, xerrors.Errorf("zstd: %w", err)
		}
		rd.r = zr.IOReadCloser()
		rd.rc = rd.r.(io.Closer)
	default:
		f.Close()
		return nil, xerrors.Errorf("no %s binary found and no built-in decoder", comp)
	}
	return rd, nil
}

func (r *Reader) Read(p []byte) (int, error) { return r.r.Read(p) }

// Compression reports the filter in effect after auto-detection.
func (r *Reader) Compression() Compression { return r.comp }

// Seekable reports whether the underlying archive supports cheap skipping.
// Compressed streams never do: holes cannot be seeked through a
// decompressor.
func (r *Reader) Seekable() bool { return r.comp == None && r.f != os.Stdin && r.r == io.Reader(r.f) }

// Seek skips through an uncompressed archive file. Entry iteration probes
// it and falls back to read-and-discard when seeking is refused, which is
// what compressed pipelines and stdin get.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if !r.Seekable() {
		return 0, ErrNotSeekable
	}
	return r.f.Seek(offset, whence)
}

// Raw returns the archive stream itself: callers skip through it with Seek
// only when Seekable reports true.
func (r *Reader) Raw() io.Reader { return r.r }

func (r *Reader) Close() error {
	var firstErr error
	if r.rc != nil {
		firstErr = r.rc.Close()
	}
	if r.ps != nil {
		if err := r.ps.wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.f != nil && r.f != os.Stdin {
		if err := r.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// A Writer is the write side of the archive transport. Bytes written pass
// through the compression filter into the archive file; Finish flushes the
// filter, waits for the subprocess and closes the file.
type Writer struct {
	w     io.Writer
	f     *os.File
	wc    io.Closer // compressor input to close on Finish
	ps    *process
	count int64
}

// CreateWriter creates (or truncates) the archive at path, "-" meaning
// stdout. Auto selects the filter by extension; no extension means no
// compression.
func CreateWriter(ctx context.Context, path string, comp Compression) (*Writer, error) {
	var (
		f   *os.File
		err error
	)
	if path == "-" {
		f = os.Stdout
	} else {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			return nil, err
		}
	}
	if comp == Auto {
		comp = byExtension(path)
	}

	w := &Writer{f: f}
	if comp == None {
		w.w = f
		return w, nil
	}

	if argv := comp.program(false); argv != nil {
		if _, err := exec.LookPath(argv[0]); err == nil {
			stdin, err := startWriterProcess(ctx, argv, f, w)
			if err != nil {
				f.Close()
				return nil, err
			}
			w.w, w.wc = stdin, stdin
			return w, nil
		}
	}

	switch comp {
	case Gzip:
		zw := pgzip.NewWriter(f)
		w.w, w.wc = zw, zw
	case Zstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, xerrors.Errorf("zstd: %w", err)
		}
		w.w, w.wc = zw, zw
	default:
		f.Close()
		return nil, xerrors.Errorf("no %s binary found and no built-in encoder", comp)
	}
	return w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.count += int64(n)
	return n, err
}

// Count returns the number of uncompressed archive bytes written so far,
// which is what record blocking pads against.
func (w *Writer) Count() int64 { return w.count }

// Finish closes the compressor input, waits for the filter to drain and
// reports a compression failure on nonzero exit. The archive file is closed
// here too (except stdout).
func (w *Writer) Finish() error {
	var firstErr error
	if w.wc != nil {
		firstErr = w.wc.Close()
	}
	if w.ps != nil {
		if err := w.ps.wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.f != os.Stdout {
		if err := w.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Abort tears the writer down without reporting errors, for cleanup on a
// failed operation.
func (w *Writer) Abort() {
	if w.wc != nil {
		w.wc.Close()
	}
	if w.ps != nil {
		w.ps.wait()
	}
	if w.f != os.Stdout {
		w.f.Close()
	}
}

// process tracks a compressor subprocess and the goroutine draining its
// stderr. The stderr tail rides along in the exit error; compressors print
// the reason for a failure there and nowhere else.
type process struct {
	cmd    *exec.Cmd
	eg     *errgroup.Group
	stderr *bytes.Buffer
}

// startProcess spawns the compressor with its stderr drained concurrently,
// so a filter blocked on a full stderr pipe can never deadlock the archive
// stream.
func startProcess(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) (*process, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	ps := &process{cmd: cmd, stderr: new(bytes.Buffer)}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	var outPipe io.ReadCloser
	if stdout == nil {
		outPipe, err = cmd.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, xerrors.Errorf("starting %s: %w", argv[0], err)
	}
	ps.eg = new(errgroup.Group)
	ps.eg.Go(func() error {
		_, err := io.Copy(ps.stderr, errPipe)
		return err
	})
	return ps, outPipe, nil
}

// startWriterProcess spawns the compressor with its stdout wired straight to
// the archive file descriptor: the kernel drains the filter while we feed
// its stdin, so no copy goroutine is needed on the data path.
func startWriterProcess(ctx context.Context, argv []string, f *os.File, w *Writer) (io.WriteCloser, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = f
	ps := &process{cmd: cmd, stderr: new(bytes.Buffer)}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("starting %s: %w", argv[0], err)
	}
	ps.eg = new(errgroup.Group)
	ps.eg.Go(func() error {
		_, err := io.Copy(ps.stderr, errPipe)
		return err
	})
	w.ps = ps
	return stdin, nil
}

func (ps *process) wait() error {
	ps.eg.Wait()
	if err := ps.cmd.Wait(); err != nil {
		msg := bytes.TrimSpace(ps.stderr.Bytes())
		if len(msg) > 0 {
			return xerrors.Errorf("%s: %v: %s", ps.cmd.Path, err, msg)
		}
		return xerrors.Errorf("%s: %w", ps.cmd.Path, err)
	}
	return nil
}
