package op

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"

	"github.com/distr1/dtar/internal/fsutil"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// The listed-incremental snapshot is a text file: a format line, then one
// NUL-terminated record per file of the form
//
//	dev SP ino SP mtimeSec SP mtimeNsec SP name NUL
//
// NUL termination keeps names with embedded newlines intact.
const snapshotMagic = "dtar-snapshot-1\n"

type snapEntry struct {
	dev       uint64
	ino       uint64
	mtimeSec  int64
	mtimeNsec int64
}

// snapshot holds the previous state read at startup and the new state
// accumulated while archiving; save atomically replaces the file.
type snapshot struct {
	path string
	prev map[string]snapEntry
	next map[string]snapEntry
}

func loadSnapshot(path string) (*snapshot, error) {
	s := &snapshot{
		path: path,
		prev: make(map[string]snapEntry),
		next: make(map[string]snapEntry),
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil // first run: archive everything
		}
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != snapshotMagic {
		return nil, xerrors.Errorf("%s: not a dtar snapshot file", path)
	}
	for {
		rec, err := br.ReadBytes(0)
		if len(rec) == 0 {
			break
		}
		rec = bytes.TrimSuffix(rec, []byte{0})
		fields := bytes.SplitN(rec, []byte{' '}, 5)
		if len(fields) != 5 {
			return nil, xerrors.Errorf("%s: malformed snapshot record", path)
		}
		var e snapEntry
		var perr error
		e.dev, perr = parseUint(fields[0], perr)
		e.ino, perr = parseUint(fields[1], perr)
		sec, perr := parseInt(fields[2], perr)
		nsec, perr := parseInt(fields[3], perr)
		if perr != nil {
			return nil, xerrors.Errorf("%s: malformed snapshot record: %w", path, perr)
		}
		e.mtimeSec, e.mtimeNsec = sec, nsec
		s.prev[string(fields[4])] = e
		if err != nil {
			break
		}
	}
	return s, nil
}

func parseUint(b []byte, err error) (uint64, error) {
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(b), 10, 64)
}

func parseInt(b []byte, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(b), 10, 64)
}

// changed reports whether path must be archived: unseen in the previous
// snapshot, moved to another inode, or modified since.
func (s *snapshot) changed(path string, info *fsutil.Info) bool {
	e, ok := s.prev[path]
	if !ok {
		return true
	}
	if e.dev != info.Dev || e.ino != info.Ino {
		return true
	}
	return info.ModTime.Unix() > e.mtimeSec ||
		(info.ModTime.Unix() == e.mtimeSec && int64(info.ModTime.Nanosecond()) > e.mtimeNsec)
}

// record remembers the current state of path for the next snapshot.
func (s *snapshot) record(path string, info *fsutil.Info) {
	s.next[path] = snapEntry{
		dev:       info.Dev,
		ino:       info.Ino,
		mtimeSec:  info.ModTime.Unix(),
		mtimeNsec: int64(info.ModTime.Nanosecond()),
	}
}

// save atomically rewrites the snapshot file.
func (s *snapshot) save() error {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	for name, e := range s.next {
		buf.WriteString(strconv.FormatUint(e.dev, 10))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatUint(e.ino, 10))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(e.mtimeSec, 10))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(e.mtimeNsec, 10))
		buf.WriteByte(' ')
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return renameio.WriteFile(s.path, buf.Bytes(), 0644)
}
