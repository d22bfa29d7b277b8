package ingest

import (
	"html"
	"regexp"
	"strings"
)

var (
	reYenc    = regexp.MustCompile(`(?i)\s+yenc.*$`)
	reLead    = regexp.MustCompile(`^\[\d+/\d+\]\s+`)
	badChars  = regexp.MustCompile(`[\\/:*?"<>|]`)
	trimExt   = regexp.MustCompile(`(?i)\.nzb$`)
)

// parseFilename extracts the real filename a poster encoded into an
// article subject line: prefer the double-quoted segment most posters
// wrap the filename in, falling back to stripping a leading "[n/m]"
// counter and everything from the "yEnc" marker on (which takes a
// trailing "(n/m)" counter with it) when no quotes are present.
func parseFilename(subject string) string {
	res := html.UnescapeString(subject)

	firstQuote := strings.Index(res, "\"")
	lastQuote := strings.LastIndex(res, "\"")
	if firstQuote != -1 && lastQuote != -1 && firstQuote < lastQuote {
		res = res[firstQuote+1 : lastQuote]
	} else {
		res = reYenc.ReplaceAllString(res, "")
		res = reLead.ReplaceAllString(res, "")
	}

	res = badChars.ReplaceAllString(res, "_")
	return strings.TrimSpace(res)
}

// deriveJobName strips a trailing ".nzb" extension from a display name,
// used when the NZB carries no <head><meta type="name"> title.
func deriveJobName(displayName string) string {
	return trimExt.ReplaceAllString(displayName, "")
}
