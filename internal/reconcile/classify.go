package reconcile

import "strings"

// informationalKeywords flag imported events that describe context rather
// than plans. Matched case-insensitively against the title.
var informationalKeywords = []string{
	"holiday",
	"birthday",
	"observance",
	"observed",
	"anniversary",
	"name day",
	"bank holiday",
	"public holiday",
}

// Informational reports whether an imported event is read-only context
// (e.g. a public holiday) rather than an actionable plan. Events from a
// calendar configured as informational are always informational; otherwise
// the title is matched against keyword heuristics.
func Informational(title string, calendarInformational bool) bool {
	if calendarInformational {
		return true
	}
	t := strings.ToLower(title)
	for _, kw := range informationalKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}
