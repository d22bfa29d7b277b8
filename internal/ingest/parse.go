// Package ingest implements NZB admission: decoding, canonicalization,
// content hashing, and the duplicate-detection gate.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nzbcore/gonzbd/internal/domain"
	"github.com/nzbcore/gonzbd/internal/errs"
)

// ParsedNZB is the canonicalized result of decoding raw NZB bytes, ready
// to be turned into Download/DownloadFile/Article rows.
type ParsedNZB struct {
	Title      string
	Password   string
	SourceHash string
	Files      []ParsedFile
}

type ParsedFile struct {
	FileIndex       int
	ParsedFilename  string
	OriginalSubject string
	Segments        []ParsedSegment
}

type ParsedSegment struct {
	SegmentNumber int
	MessageID     string
	SizeBytes     int64
}

// Parse decodes, canonicalizes, and hashes raw NZB bytes.
func Parse(raw []byte) (*ParsedNZB, error) {
	if !utf8.Valid(raw) {
		return nil, errs.New(errs.KindInvalidNzb, "nzb content is not valid UTF-8")
	}

	var doc domain.NZBDocument
	if err := decodeXML(raw, &doc); err != nil {
		return nil, errs.WrapStage(errs.KindInvalidNzb, "Parse", err)
	}
	if len(doc.Files) == 0 {
		return nil, errs.New(errs.KindInvalidNzb, "nzb contains no files")
	}

	sum := sha256.Sum256(raw)

	out := &ParsedNZB{
		Title:      doc.Head.Title(),
		Password:   doc.Head.Password(),
		SourceHash: hex.EncodeToString(sum[:]),
	}

	for i, f := range doc.Files {
		pf := ParsedFile{
			FileIndex:       i,
			ParsedFilename:  parseFilename(f.Subject),
			OriginalSubject: f.Subject,
		}

		seen := make(map[int]bool, len(f.Segments))
		for _, seg := range f.Segments {
			if seen[seg.Number] {
				continue // de-duplicate by segment_number, keep first
			}
			seen[seg.Number] = true
			pf.Segments = append(pf.Segments, ParsedSegment{
				SegmentNumber: seg.Number,
				MessageID:     canonicalMessageID(seg.MessageID),
				SizeBytes:     seg.Bytes,
			})
		}
		out.Files = append(out.Files, pf)
	}

	return out, nil
}

// canonicalMessageID strips the angle brackets Usenet wraps message-ids
// in; fetcher.Fetch expects the bare id.
func canonicalMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// JobName derives parsed_job_name: the NZB's own title if present, else
// the display name with a trailing ".nzb" stripped.
func (p *ParsedNZB) JobName(displayName string) string {
	if p.Title != "" {
		return p.Title
	}
	return deriveJobName(displayName)
}

// TotalBytes sums the declared size of every segment across every file.
func (p *ParsedNZB) TotalBytes() int64 {
	var total int64
	for _, f := range p.Files {
		for _, s := range f.Segments {
			total += s.SizeBytes
		}
	}
	return total
}

func decodeXML(raw []byte, doc *domain.NZBDocument) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	if err := dec.Decode(doc); err != nil {
		return fmt.Errorf("decode nzb xml: %w", err)
	}
	return nil
}
