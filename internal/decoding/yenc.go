// Package decoding turns raw yEnc article bodies into binary segment
// payloads. Each Usenet segment decodes independently; multi-part
// context (which slice of the final file this is) travels as the part
// offset parsed from the =ypart header.
package decoding

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/nzbcore/gonzbd/internal/errs"
)

// Segment is one decoded yEnc part, ready to be written to disk.
type Segment struct {
	// Name is the filename recorded in the =ybegin header, if any.
	Name string
	// FileSize is the declared size of the whole file, not this part.
	FileSize int64
	// PartOffset is the 0-based position of this part's first byte
	// within the file (yEnc's begin= is 1-based).
	PartOffset int64
	// Data is the decoded payload.
	Data []byte
}

var (
	errNoHeader  = errors.New("yenc: no =ybegin header")
	errNoTrailer = errors.New("yenc: no =yend trailer")
)

const escapeShift = 64

// DecodeSegment decodes one complete article body. The encoded stream
// may break anywhere across CRLF, including between an escape byte and
// its operand; bare CR/LF inside the data are ignored as yEnc requires.
// When the =yend trailer carries a pcrc32/crc32, the payload is checked
// against it.
func DecodeSegment(raw []byte) (*Segment, error) {
	seg := &Segment{}

	body, err := seg.consumeHeaders(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindNntp, err)
	}

	trailer, err := seg.decodeBody(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindNntp, err)
	}

	if want, ok := trailerCRC(trailer); ok {
		if got := crc32.ChecksumIEEE(seg.Data); got != want {
			return nil, errs.Wrap(errs.KindNntp,
				fmt.Errorf("yenc: crc32 mismatch: computed %08x, trailer says %08x", got, want))
		}
	}
	return seg, nil
}

// consumeHeaders skips everything up to and including the =ybegin line
// (and the =ypart line when present), filling in the segment metadata,
// and returns the remaining bytes.
func (s *Segment) consumeHeaders(raw []byte) ([]byte, error) {
	rest := raw
	for len(rest) > 0 {
		line, tail := nextLine(rest)
		rest = tail
		if !bytes.HasPrefix(line, []byte("=ybegin ")) {
			continue
		}

		header := string(line)
		s.Name = keywordString(header, "name")
		s.FileSize = keywordInt(header, "size")

		if peek, _ := nextLine(rest); bytes.HasPrefix(peek, []byte("=ypart ")) {
			part, tail := nextLine(rest)
			rest = tail
			if begin := keywordInt(string(part), "begin"); begin > 0 {
				s.PartOffset = begin - 1
			}
		}
		return rest, nil
	}
	return nil, errNoHeader
}

// decodeBody decodes encoded bytes until the =yend line and returns
// that trailer line. The escape state survives line breaks, so an '='
// at the end of one line shifts the first byte of the next.
func (s *Segment) decodeBody(body []byte) (string, error) {
	s.Data = make([]byte, 0, len(body))

	escaped := false
	atLineStart := true
	for i := 0; i < len(body); i++ {
		b := body[i]

		if b == '\r' {
			continue
		}
		if b == '\n' {
			atLineStart = true
			continue
		}

		if atLineStart && !escaped && bytes.HasPrefix(body[i:], []byte("=yend")) {
			line, _ := nextLine(body[i:])
			return string(line), nil
		}
		atLineStart = false

		switch {
		case escaped:
			s.Data = append(s.Data, b-escapeShift-42)
			escaped = false
		case b == '=':
			escaped = true
		default:
			s.Data = append(s.Data, b-42)
		}
	}
	return "", errNoTrailer
}

// trailerCRC pulls the part checksum out of an =yend line, preferring
// pcrc32 (this part) over crc32 (whole file, only meaningful for
// single-part posts).
func trailerCRC(trailer string) (uint32, bool) {
	for _, key := range []string{"pcrc32", "crc32"} {
		if v := keywordString(trailer, key); v != "" {
			if crc, err := strconv.ParseUint(v, 16, 32); err == nil {
				return uint32(crc), true
			}
		}
	}
	return 0, false
}

// nextLine splits off the first line (without its terminator). A body
// with no newline left is returned whole.
func nextLine(b []byte) (line, rest []byte) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return bytes.TrimRight(b[:i], "\r"), b[i+1:]
	}
	return bytes.TrimRight(b, "\r"), nil
}

// keywordString finds key=value in a yEnc header line. Values run to
// the next space, except name=, which is always last and runs to the
// end of the line.
func keywordString(line, key string) string {
	_, after, ok := strings.Cut(line, key+"=")
	if !ok {
		return ""
	}
	if key == "name" {
		return strings.TrimSpace(after)
	}
	if i := strings.IndexByte(after, ' '); i >= 0 {
		return after[:i]
	}
	return strings.TrimSpace(after)
}

func keywordInt(line, key string) int64 {
	n, err := strconv.ParseInt(keywordString(line, key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
