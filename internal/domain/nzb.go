package domain

import "encoding/xml"

// NZBDocument is the raw XML shape of an NZB manifest.
// Angle brackets around message-ids are implicit in the segment text
// content; ingestion strips them during canonicalization.
type NZBDocument struct {
	XMLName xml.Name    `xml:"nzb"`
	Head    NZBHead     `xml:"head"`
	Files   []NZBFile   `xml:"file"`
}

type NZBHead struct {
	Meta []NZBMeta `xml:"meta"`
}

type NZBMeta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type NZBFile struct {
	Subject  string       `xml:"subject,attr"`
	Poster   string       `xml:"poster,attr"`
	Groups   []string     `xml:"groups>group"`
	Segments []NZBSegment `xml:"segments>segment"`
}

type NZBSegment struct {
	Number    int    `xml:"number,attr"`
	Bytes     int64  `xml:"bytes,attr"`
	MessageID string `xml:",chardata"`
}

// Title returns the <head><meta type="name"> value, if present.
func (h NZBHead) Title() string {
	for _, m := range h.Meta {
		if m.Type == "name" {
			return m.Value
		}
	}
	return ""
}

// Password returns the <head><meta type="password"> value, if present.
func (h NZBHead) Password() string {
	for _, m := range h.Meta {
		if m.Type == "password" {
			return m.Value
		}
	}
	return ""
}

// TotalSize sums the declared segment sizes for this file.
func (f NZBFile) TotalSize() int64 {
	var total int64
	for _, s := range f.Segments {
		total += s.Bytes
	}
	return total
}
