package tarfmt

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBlocksNeeded(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		size int64
		want int64
	}{
		{0, 0},
		{1, 1},
		{511, 1},
		{512, 1},
		{513, 2},
		{1024, 2},
	} {
		if got := BlocksNeeded(tt.size); got != tt.want {
			t.Errorf("BlocksNeeded(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestNumericRoundTrip(t *testing.T) {
	t.Parallel()
	values := []int64{
		0, 1, 0777, 07777777, 077777777777, // octal range
		077777777777 + 1, // first base-256 value for a 12-byte field
		1 << 33, 1 << 42, 1<<63 - 1,
	}
	for _, v := range values {
		var f formatter
		b := make([]byte, 12)
		f.formatNumeric(b, v)
		if f.err != nil {
			t.Fatalf("formatNumeric(%d): %v", v, f.err)
		}
		wantBase256 := v > 077777777777
		if gotBase256 := b[0]&0x80 != 0; gotBase256 != wantBase256 {
			t.Errorf("value %d: base-256 = %v, want %v", v, gotBase256, wantBase256)
		}
		var p parser
		if got := p.parseNumeric(b); p.err != nil || got != v {
			t.Errorf("parseNumeric(formatNumeric(%d)) = %d, %v", v, got, p.err)
		}
	}
}

func TestParseOctalLenient(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in   string
		want int64
	}{
		{"0000644\x00", 0644},
		{"  644 \x00", 0644},
		{"644", 0644},
		{"\x00\x00\x00", 0},
		{"        ", 0},
	} {
		var p parser
		if got := p.parseNumeric([]byte(tt.in)); p.err != nil || got != tt.want {
			t.Errorf("parseNumeric(%q) = %d, %v, want %d", tt.in, got, p.err, tt.want)
		}
	}
}

func TestChecksumInvariant(t *testing.T) {
	t.Parallel()
	var blk Block
	hdr := &Header{
		Typeflag: TypeReg,
		Name:     "hello.txt",
		Size:     42,
		Mode:     0644,
		ModTime:  time.Unix(1600000000, 0),
	}
	if err := encodeBlock(&blk, hdr, FormatGNU); err != nil {
		t.Fatal(err)
	}
	if !blk.ChecksumOK() {
		t.Fatal("checksum invalid directly after encode")
	}
	// Mutating a non-chksum byte invalidates the sum.
	blk[0] ^= 0x01
	if blk.ChecksumOK() {
		t.Error("checksum still valid after mutation")
	}
	blk[0] ^= 0x01
	if !blk.ChecksumOK() {
		t.Error("checksum did not recover after undoing mutation")
	}
}

func TestBlockRoundTrip(t *testing.T) {
	t.Parallel()
	for _, format := range []Format{FormatV7, FormatUSTAR, FormatGNU, FormatPAX} {
		format := format
		t.Run(format.String(), func(t *testing.T) {
			t.Parallel()
			hdr := &Header{
				Typeflag: TypeReg,
				Name:     "dir/file.txt",
				Size:     1234,
				Mode:     0640,
				Uid:      1000,
				Gid:      100,
				ModTime:  time.Unix(1600000000, 0),
			}
			if format != FormatV7 {
				hdr.Uname = "michael"
				hdr.Gname = "users"
			}
			var blk Block
			if err := encodeBlock(&blk, hdr, format); err != nil {
				t.Fatal(err)
			}
			got, err := parseBlock(&blk)
			if err != nil {
				t.Fatal(err)
			}
			want := *hdr
			switch format {
			case FormatPAX:
				want.Format = FormatUSTAR // magic is shared; PAX shows at entry level
			default:
				want.Format = format
			}
			if diff := cmp.Diff(&want, got); diff != "" {
				t.Errorf("header differs after block round trip (-want +got):\n%s", diff)
			}

			// Re-encoding the decoded header must reproduce the bytes.
			var blk2 Block
			if err := encodeBlock(&blk2, got, format); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(blk[:], blk2[:]) {
				t.Error("re-encoded block differs from original")
			}
		})
	}
}

func TestSplitName(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 60)
	for _, tt := range []struct {
		name       string
		prefix     string
		rest       string
		ok         bool
	}{
		{strings.Repeat("x", 100), "", strings.Repeat("x", 100), true},
		{long + "/" + strings.Repeat("b", 100), long, strings.Repeat("b", 100), true},
		{strings.Repeat("p", 155) + "/" + strings.Repeat("n", 100), strings.Repeat("p", 155), strings.Repeat("n", 100), true},
		{strings.Repeat("p", 156) + "/x", "", "", false},
		{strings.Repeat("x", 101), "", "", false}, // no slash at all
	} {
		prefix, rest, ok := splitName(tt.name)
		if prefix != tt.prefix || rest != tt.rest || ok != tt.ok {
			t.Errorf("splitName(%d bytes) = %q, %q, %v, want %q, %q, %v",
				len(tt.name), prefix, rest, ok, tt.prefix, tt.rest, tt.ok)
		}
	}
}

func TestPAXRecordEmit(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		key, value string
		want       string
	}{
		{"path", "hello", "14 path=hello\n"},
		{"mtime", "1449354746.146153115", "30 mtime=1449354746.146153115\n"},
		{"a", "b", "6 a=b\n"},
	} {
		got := string(appendPAXRecord(nil, tt.key, tt.value))
		if got != tt.want {
			t.Errorf("record %s=%s = %q, want %q", tt.key, tt.value, got, tt.want)
		}
		// The length prefix must count every byte of the record.
		if len(got) != atoiPrefix(t, got) {
			t.Errorf("record %q: length prefix disagrees with actual length %d", got, len(got))
		}
	}
}

func atoiPrefix(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for i := 0; i < len(s) && s[i] != ' '; i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}

func TestPAXRoundTrip(t *testing.T) {
	t.Parallel()
	records := []PaxRecord{
		{"path", "a/very/long/path/name"},
		{"size", "8589934592"},
		{"mtime", "1600000000.5"},
		{"SCHILY.xattr.user.comment", "with=equals and \x00 binary"},
		{"GOLANG.pkg.version", "v1"},
	}
	got, err := parsePAXRecords(emitPAXRecords(records))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Errorf("records differ after round trip (-want +got):\n%s", diff)
	}
	// Byte-identical re-emission (stable order).
	if !bytes.Equal(emitPAXRecords(records), emitPAXRecords(got)) {
		t.Error("re-emitted records differ")
	}
}

func TestPAXTime(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in   string
		want time.Time
	}{
		{"1600000000", time.Unix(1600000000, 0)},
		{"1600000000.5", time.Unix(1600000000, 500000000)},
		{"1449354746.146153115", time.Unix(1449354746, 146153115)},
	} {
		got, err := parsePAXTime(tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("parsePAXTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if paxTime(tt.want) != tt.in {
			t.Errorf("paxTime(%v) = %q, want %q", tt.want, paxTime(tt.want), tt.in)
		}
	}
}

func TestSparseMapString(t *testing.T) {
	t.Parallel()
	regions := []Region{{0, 1024}, {4096, 512}, {1 << 32, 100}}
	s := sparseMapString(regions)
	if s != "0,1024,4096,512,4294967296,100" {
		t.Errorf("sparseMapString = %q", s)
	}
	got, err := parseSparseMapString(s)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(regions, got); diff != "" {
		t.Errorf("regions differ (-want +got):\n%s", diff)
	}
}

func TestValidateSparseMap(t *testing.T) {
	t.Parallel()
	if !validateSparseMap([]Region{{0, 10}, {20, 5}}, 25) {
		t.Error("valid map rejected")
	}
	if validateSparseMap([]Region{{20, 5}, {0, 10}}, 100) {
		t.Error("out-of-order map accepted")
	}
	if validateSparseMap([]Region{{0, 10}}, 5) {
		t.Error("map beyond size accepted")
	}
	if validateSparseMap([]Region{{-1, 10}}, 100) {
		t.Error("negative offset accepted")
	}
}
