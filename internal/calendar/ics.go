package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

// instanceSep joins a VEVENT UID with an occurrence start stamp to form the
// identifier of one expanded recurrence instance.
const instanceSep = "#"

// occurrenceCap bounds recurrence expansion per VEVENT.
const occurrenceCap = 1000

// File describes one ICS calendar on disk.
type File struct {
	ID       string
	Path     string
	Writable bool
}

// FileSource serves calendars from ICS files, one file per calendar.
// Write-back rewrites the whole file with a temp-then-rename swap, which is
// also what makes the change visible to a directory watcher.
//
// Thread-safety: all methods are safe for concurrent use; file access is
// serialized under one mutex.
type FileSource struct {
	mu        sync.Mutex
	calendars map[string]File
	logger    *slog.Logger
	now       func() time.Time
}

// NewFileSource builds a FileSource over the given calendar files.
func NewFileSource(files []File, logger *slog.Logger) (*FileSource, error) {
	if len(files) == 0 {
		return nil, errors.New("calendar: at least one calendar file is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cals := make(map[string]File, len(files))
	for _, f := range files {
		if f.ID == "" || f.Path == "" {
			return nil, errors.New("calendar: file id and path are required")
		}
		if _, dup := cals[f.ID]; dup {
			return nil, fmt.Errorf("calendar: duplicate calendar id %q", f.ID)
		}
		cals[f.ID] = f
	}
	return &FileSource{calendars: cals, logger: logger, now: time.Now}, nil
}

// Files returns the configured calendar files.
func (s *FileSource) Files() []File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]File, 0, len(s.calendars))
	for _, f := range s.calendars {
		out = append(out, f)
	}
	return out
}

func (s *FileSource) Events(ctx context.Context, calendarIDs []string, from, to time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, id := range calendarIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, ok := s.calendars[id]
		if !ok {
			return nil, fmt.Errorf("calendar: unknown calendar %q", id)
		}
		cal, err := s.loadLocked(f)
		if err != nil {
			return nil, err
		}
		for _, ve := range cal.Events() {
			evs, perr := expandVEvent(id, ve, from, to)
			if perr != nil {
				// A malformed VEVENT is skipped; the rest of the calendar
				// still imports.
				s.logger.Warn("skipping malformed calendar entry",
					"calendar", id, "err", perr)
				continue
			}
			out = append(out, evs...)
		}
	}
	return out, nil
}

func (s *FileSource) Create(ctx context.Context, calendarID string, e Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.writableLocked(calendarID)
	if err != nil {
		return "", err
	}
	cal, err := s.loadLocked(f)
	if err != nil {
		return "", err
	}
	id := e.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", calendarID, s.now().UnixNano())
	}
	ve := cal.AddEvent(id)
	ve.SetDtStampTime(s.now().UTC())
	applySchedule(ve, e, s.now().UTC())
	if err := s.saveLocked(f, cal); err != nil {
		return "", err
	}
	return id, nil
}

func (s *FileSource) Update(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.Contains(e.ID, instanceSep) {
		return fmt.Errorf("calendar: cannot write back to recurrence instance %q", e.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.writableLocked(e.CalendarID)
	if err != nil {
		return err
	}
	cal, err := s.loadLocked(f)
	if err != nil {
		return err
	}
	for _, ve := range cal.Events() {
		if uidOf(ve) != e.ID {
			continue
		}
		applySchedule(ve, e, s.now().UTC())
		return s.saveLocked(f, cal)
	}
	return fmt.Errorf("calendar: event %q not found in %q", e.ID, e.CalendarID)
}

func (s *FileSource) Delete(ctx context.Context, calendarID, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.writableLocked(calendarID)
	if err != nil {
		return err
	}
	cal, err := s.loadLocked(f)
	if err != nil {
		return err
	}
	kept := ical.NewCalendar()
	removed := false
	for _, ve := range cal.Events() {
		if uidOf(ve) == eventID {
			removed = true
			continue
		}
		kept.AddVEvent(ve)
	}
	if !removed {
		return nil
	}
	return s.saveLocked(f, kept)
}

func (s *FileSource) writableLocked(calendarID string) (File, error) {
	f, ok := s.calendars[calendarID]
	if !ok {
		return File{}, fmt.Errorf("calendar: unknown calendar %q", calendarID)
	}
	if !f.Writable {
		return File{}, fmt.Errorf("calendar: calendar %q is read-only", calendarID)
	}
	return f, nil
}

func (s *FileSource) loadLocked(f File) (*ical.Calendar, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && f.Writable {
			// A writable calendar that has never been written starts empty.
			return ical.NewCalendar(), nil
		}
		return nil, fmt.Errorf("calendar: read %q: %w", f.ID, err)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("calendar: parse %q: %w", f.ID, err)
	}
	return cal, nil
}

func (s *FileSource) saveLocked(f File, cal *ical.Calendar) error {
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(cal.Serialize()), 0o600); err != nil {
		return fmt.Errorf("calendar: write %q: %w", f.ID, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("calendar: write %q: %w", f.ID, err)
	}
	return nil
}

func uidOf(ve *ical.VEvent) string {
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		return p.Value
	}
	return ""
}

// applySchedule writes an Event's schedule fields onto a VEVENT.
func applySchedule(ve *ical.VEvent, e Event, modified time.Time) {
	ve.SetSummary(e.Title)
	if e.AllDay {
		ve.SetAllDayStartAt(e.Start)
		ve.SetAllDayEndAt(e.End)
	} else {
		ve.SetStartAt(e.Start.UTC())
		ve.SetEndAt(e.End.UTC())
	}
	ve.SetModifiedAt(modified)
}

// expandVEvent converts one VEVENT into zero or more Event instances inside
// [from, to). Recurring events are expanded through their RRULE with EXDATE
// exceptions applied.
func expandVEvent(calendarID string, ve *ical.VEvent, from, to time.Time) ([]Event, error) {
	uid := uidOf(ve)
	if uid == "" {
		return nil, errors.New("missing UID")
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("event %q: %w", uid, err)
	}
	end, err := ve.GetEndAt()
	if err != nil || end.Before(start) {
		end = start
	}

	base := Event{
		ID:           uid,
		CalendarID:   calendarID,
		Start:        start,
		End:          end,
		AllDay:       isAllDay(ve),
		LastModified: lastModified(ve),
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		base.Title = p.Value
	}
	if base.AllDay && end.Equal(start) {
		base.End = start.Add(24 * time.Hour)
	}

	rawRule := ""
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rawRule = p.Value
	}
	if rawRule == "" {
		if base.Start.Before(to) && base.End.After(from) {
			return []Event{base}, nil
		}
		return nil, nil
	}

	rule, err := rrule.StrToRRule(rawRule)
	if err != nil {
		return nil, fmt.Errorf("event %q: bad RRULE: %w", uid, err)
	}
	rule.DTStart(start)
	var set rrule.Set
	set.RRule(rule)
	for _, ex := range exDates(ve, start.Location()) {
		set.ExDate(ex)
	}

	starts := set.Between(from.In(start.Location()), to.In(start.Location()), true)
	if len(starts) > occurrenceCap {
		starts = starts[:occurrenceCap]
	}
	duration := base.End.Sub(base.Start)
	out := make([]Event, 0, len(starts))
	for _, occStart := range starts {
		occ := base
		if base.AllDay {
			occ.Start = time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occ.End = occ.Start.Add(24 * time.Hour)
		} else {
			occ.Start = occStart
			occ.End = occStart.Add(duration)
		}
		occ.ID = uid + instanceSep + occ.Start.UTC().Format("20060102T150405Z")
		out = append(out, occ)
	}
	return out, nil
}

// isAllDay reports whether DTSTART carries VALUE=DATE or a date-only value.
func isAllDay(ve *ical.VEvent) bool {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return false
	}
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func lastModified(ve *ical.VEvent) time.Time {
	for _, name := range []ical.ComponentProperty{ical.ComponentPropertyLastModified, ical.ComponentPropertyDtstamp} {
		if p := ve.GetProperty(name); p != nil {
			if t, err := parseStamp(p.Value); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func exDates(ve *ical.VEvent, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseStamp(part); err == nil {
				out = append(out, t.In(loc))
			}
		}
	}
	return out
}

// parseStamp handles the basic ICS date and date-time value forms.
func parseStamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	default:
		return time.ParseInLocation("20060102", v, time.UTC)
	}
}
