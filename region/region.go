// Package region routes GDELT event records by the country code of a fixed
// field. Every function is pure: no state survives a call, so records may be
// routed concurrently and in any order.
package region

import (
	"regexp"
	"unicode/utf8"

	streams "github.com/damoon/kafka-region-router"
)

const (
	// NotAvailable is the code of records without a country field.
	NotAvailable = "NA"

	// DefaultTarget is the country code kept by default.
	DefaultTarget = "IN"

	// DefaultKey is the partition key routed records get by default.
	DefaultKey = "india"

	// countryField is the position of the country code in the upstream
	// record layout.
	countryField = 21
)

var separator = regexp.MustCompile("\t+")

// Fields splits a record on runs of tab characters. Trailing empty fields are
// dropped, an empty record yields a single empty field.
func Fields(record string) []string {
	if record == "" {
		return []string{""}
	}

	fields := separator.Split(record, -1)
	for len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}

	return fields
}

// ID returns the event id, the first field of a record, or "" when the record
// has no fields.
func ID(record string) string {
	fields := Fields(record)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Code returns the region code of a record: the country field when it has at
// most two characters, its first character when it is longer, and
// NotAvailable when the record has no country field.
func Code(record string) string {
	fields := Fields(record)
	if len(fields) <= countryField {
		return NotAvailable
	}

	code := fields[countryField]
	if utf8.RuneCountInString(code) > 2 {
		_, size := utf8.DecodeRuneInString(code)
		return code[:size]
	}

	return code
}

// Match reports whether the region code of record equals target.
func Match(target, record string) bool {
	return Code(record) == target
}

// Rekey emits record unchanged under key.
func Rekey(key, record string) streams.Msg[string, string] {
	return streams.Msg[string, string]{
		Key:   key,
		Value: record,
	}
}

// Router keeps the records of one region and keys them by a fixed name.
type Router struct {
	Target string
	Key    string
}

// NewRouter returns a Router for the default region.
func NewRouter() Router {
	return Router{
		Target: DefaultTarget,
		Key:    DefaultKey,
	}
}

// Route returns the routed record and true when record belongs to the target
// region, and false otherwise.
func (r Router) Route(record string) (streams.Msg[string, string], bool) {
	if !Match(r.Target, record) {
		return streams.Msg[string, string]{}, false
	}
	return Rekey(r.Key, record), true
}

// Apply adds the filter and rekey stages to s. Keys of s are ignored.
func (r Router) Apply(s streams.Stream[string, string]) streams.Stream[string, string] {
	return s.
		Filter(func(m streams.Msg[string, string]) bool {
			return Match(r.Target, m.Value)
		}).
		Map(func(m streams.Msg[string, string]) streams.Msg[string, string] {
			return Rekey(r.Key, m.Value)
		})
}
