// Package audit records who did what to a record.
//
// Mutating operations on escrows and dispatch orders append an Entry to the
// record's Trail. The trail is stored with the record (JSON column in
// Postgres) rather than as inherited tracking behavior.
package audit

import "time"

// Entry is one audit line.
type Entry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
}

// Trail is an append-only list of entries.
type Trail []Entry

// Append adds an entry stamped with the current time and returns the new trail.
func (t Trail) Append(actor, action, note string) Trail {
	return append(t, Entry{
		At:     time.Now().UTC(),
		Actor:  actor,
		Action: action,
		Note:   note,
	})
}
