// Package par2meta reads the metadata packets of a PAR2 recovery file.
// Only the FileDesc packets matter here: each one records, for a file in
// the recovery set, its real name plus the MD5 of its first 16 KiB. That
// pair is what lets an obfuscated download be renamed back while
// articles are still arriving.
package par2meta

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/nzbcore/gonzbd/internal/errs"
)

// Hash16k is the MD5 digest of a file's first 16 KiB, the key PAR2 uses
// to identify set members independently of their on-disk names.
type Hash16k [md5.Size]byte

// FileEntry is one FileDesc record: the described file's real name and
// its 16 KiB hash.
type FileEntry struct {
	Filename string
	Hash16k  Hash16k
	Length   uint64
}

var (
	packetMagic  = []byte("PAR2\x00PKT")
	fileDescType = []byte("PAR 2.0\x00FileDesc")
)

// packet header layout: magic(8) length(8, LE, includes the 64-byte
// header) packet-md5(16) recovery-set-id(16) type(16).
const packetHeaderLen = 64

// fileDesc body layout: file-id(16) md5-full(16) md5-16k(16) length(8)
// filename(rest, NUL padded to a multiple of 4).
const fileDescFixedLen = 16 + 16 + 16 + 8

// ErrNotPar2 is returned when the input contains no PAR2 packet at all.
var ErrNotPar2 = errors.New("no par2 packets found")

// ParseFile reads path and returns every FileDesc entry it carries.
func ParseFile(path string) ([]FileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIo, err)
	}
	return Parse(data)
}

// Parse scans data for PAR2 packets and decodes the FileDesc ones.
// Unknown packet types are skipped by their declared length; a packet
// whose length is too small or runs past the buffer is stepped over and
// the scan resumes at the next magic rather than erroring, since trailing
// garbage is common in partially-repaired sets.
func Parse(data []byte) ([]FileEntry, error) {
	var entries []FileEntry
	found := false

	for off := 0; off+packetHeaderLen <= len(data); {
		idx := bytes.Index(data[off:], packetMagic)
		if idx < 0 {
			break
		}
		off += idx

		if off+packetHeaderLen > len(data) {
			break
		}
		header := data[off : off+packetHeaderLen]
		length := binary.LittleEndian.Uint64(header[8:16])
		if length < packetHeaderLen || off+int(length) > len(data) {
			off += len(packetMagic)
			continue
		}
		found = true

		if bytes.Equal(header[48:64], fileDescType) {
			body := data[off+packetHeaderLen : off+int(length)]
			if e, ok := decodeFileDesc(body); ok {
				entries = append(entries, e)
			}
		}
		off += int(length)
	}

	if !found {
		return nil, ErrNotPar2
	}
	return entries, nil
}

func decodeFileDesc(body []byte) (FileEntry, bool) {
	if len(body) < fileDescFixedLen {
		return FileEntry{}, false
	}
	var e FileEntry
	copy(e.Hash16k[:], body[32:48])
	e.Length = binary.LittleEndian.Uint64(body[48:56])
	e.Filename = string(bytes.TrimRight(body[fileDescFixedLen:], "\x00"))
	if e.Filename == "" {
		return FileEntry{}, false
	}
	return e, true
}

// ComputeHash16k hashes the first 16 KiB of the file at path (or the
// whole file when shorter), the lookup key for FileDesc matching.
func ComputeHash16k(path string) (Hash16k, error) {
	var h Hash16k

	f, err := os.Open(path)
	if err != nil {
		return h, errs.Wrap(errs.KindIo, err)
	}
	defer f.Close()

	sum := md5.New()
	if _, err := io.Copy(sum, io.LimitReader(f, 16*1024)); err != nil {
		return h, errs.Wrap(errs.KindIo, err)
	}
	copy(h[:], sum.Sum(nil))
	return h, nil
}
