package plan

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fingerprintDelim separates fingerprint fields. It cannot appear in any
// numeric field, and its presence in a title does not matter because titles
// occupy a fixed position.
const fingerprintDelim = "|"

// NormalizeTitle canonicalizes an event title for fingerprinting:
// whitespace trimmed, lowercased, NFC normalized. NFC matters because the
// same title can arrive via different sources with different code point
// sequences (composed vs decomposed accents).
func NormalizeTitle(title string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(title)))
}

// Fingerprint computes a stable content digest of an event's
// schedule-relevant fields:
//
//	normalize(title) | period | sortedDaySlots | startTime | endTime |
//	intervalStartEpoch | intervalEndEpoch | allDayFlag
//
// The function is pure and stable under serialization round-trips: two
// events that JSON-encode and decode to the same schedule produce the same
// fingerprint. It is used for de-duplication against independently created
// events, cheap equality in place of structural diff, and the three-way
// comparison driving import reconciliation.
func Fingerprint(e Event) string {
	slots := SortSlots(e.Days)
	slotParts := make([]string, len(slots))
	for i, s := range slots {
		slotParts[i] = string(s)
	}
	allDay := "0"
	if e.AllDay {
		allDay = "1"
	}
	return strings.Join([]string{
		NormalizeTitle(e.Title),
		string(e.Period),
		strings.Join(slotParts, ","),
		e.StartTime,
		e.EndTime,
		strconv.FormatInt(e.StartsAt.Unix(), 10),
		strconv.FormatInt(e.EndsAt.Unix(), 10),
		allDay,
	}, fingerprintDelim)
}
