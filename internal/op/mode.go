package op

import (
	"os"

	"github.com/distr1/dtar/internal/tarfmt"
)

// Set-id and sticky bits as stored in the tar mode field.
const (
	tarModeSetuid = 04000
	tarModeSetgid = 02000
	tarModeSticky = 01000
)

// tarMode converts an os.FileMode to the numeric mode field value.
func tarMode(mode os.FileMode) int64 {
	m := int64(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= tarModeSetuid
	}
	if mode&os.ModeSetgid != 0 {
		m |= tarModeSetgid
	}
	if mode&os.ModeSticky != 0 {
		m |= tarModeSticky
	}
	return m
}

// osMode converts a header's mode field back to permission bits.
func osMode(m int64) os.FileMode {
	mode := os.FileMode(m & 0777)
	if m&tarModeSetuid != 0 {
		mode |= os.ModeSetuid
	}
	if m&tarModeSetgid != 0 {
		mode |= os.ModeSetgid
	}
	if m&tarModeSticky != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// typeChar is the leading character of a verbose listing line.
func typeChar(hdr *tarfmt.Header) byte {
	switch hdr.Typeflag {
	case tarfmt.TypeDir:
		return 'd'
	case tarfmt.TypeSymlink:
		return 'l'
	case tarfmt.TypeLink:
		return 'h'
	case tarfmt.TypeChar:
		return 'c'
	case tarfmt.TypeBlock:
		return 'b'
	case tarfmt.TypeFifo:
		return 'p'
	}
	return '-'
}

// permString renders the nine permission characters with the set-id and
// sticky conventions.
func permString(m int64) string {
	b := []byte("rwxrwxrwx")
	for i := 0; i < 9; i++ {
		if m&(1<<uint(8-i)) == 0 {
			b[i] = '-'
		}
	}
	if m&tarModeSetuid != 0 {
		if b[2] == 'x' {
			b[2] = 's'
		} else {
			b[2] = 'S'
		}
	}
	if m&tarModeSetgid != 0 {
		if b[5] == 'x' {
			b[5] = 's'
		} else {
			b[5] = 'S'
		}
	}
	if m&tarModeSticky != 0 {
		if b[8] == 'x' {
			b[8] = 't'
		} else {
			b[8] = 'T'
		}
	}
	return string(b)
}
