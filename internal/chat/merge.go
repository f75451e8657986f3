package chat

import (
	"time"

	"crewchat/core/internal/store"
)

// DefaultReconcileWindow bounds how far apart a pending message and its
// persisted counterpart may have been created.
const DefaultReconcileWindow = 10 * time.Second

type insertOutcome int

const (
	inserted insertOutcome = iota
	reconciled
	duplicate
)

func (o insertOutcome) String() string {
	switch o {
	case reconciled:
		return "reconciled"
	case duplicate:
		return "duplicate"
	}
	return "inserted"
}

type updateOutcome int

const (
	applied updateOutcome = iota
	stale
	unknown
)

func (o updateOutcome) String() string {
	switch o {
	case stale:
		return "stale"
	case unknown:
		return "unknown"
	}
	return "applied"
}

// The merge functions below never modify their input slice; they return a
// new slice when anything changes.

// mergeInsert adds the persisted message msg to entries. A message already
// held by id is a duplicate. Otherwise the earliest pending entry that msg
// is the persisted counterpart of is replaced by it.
func mergeInsert(entries []Message, msg store.Message, window time.Duration) ([]Message, insertOutcome) {
	if indexOf(entries, msg.ID) >= 0 {
		return entries, duplicate
	}
	confirmed := Message{Message: msg, State: StateConfirmed}
	for i, entry := range entries {
		if !isCounterpart(entry, msg, window) {
			continue
		}
		carryFlag(&confirmed, entry)
		rest := make([]Message, 0, len(entries))
		rest = append(rest, entries[:i]...)
		rest = append(rest, entries[i+1:]...)
		return insertOrdered(rest, confirmed), reconciled
	}
	return insertOrdered(entries, confirmed), inserted
}

// carryFlag copies a flag not yet persisted from the entry that dst
// replaces.
func carryFlag(dst *Message, from Message) {
	if !from.localFlag || dst.Flagged {
		return
	}
	dst.Flagged = true
	dst.FlagReason = from.FlagReason
	dst.localFlag = true
	dst.flagUnsent = from.flagUnsent
}

// takeUnsentFlags returns a copy of entries with the owed-write marker
// cleared on every confirmed entry, plus the entries whose flag must now be
// written.
func takeUnsentFlags(entries []Message) ([]Message, []Message) {
	var owed []Message
	var out []Message
	for i, entry := range entries {
		if !entry.flagUnsent || entry.State != StateConfirmed {
			continue
		}
		if out == nil {
			out = append([]Message(nil), entries...)
		}
		out[i].flagUnsent = false
		owed = append(owed, out[i])
	}
	if out == nil {
		return entries, nil
	}
	return out, owed
}

// mergeUpdate replaces the entry with msg's id, unless msg is older than the
// held version. A flag applied locally survives updates that predate it.
func mergeUpdate(entries []Message, msg store.Message) ([]Message, updateOutcome) {
	i := indexOf(entries, msg.ID)
	if i < 0 {
		return entries, unknown
	}
	held := entries[i]
	if msg.UpdatedAt.Before(held.UpdatedAt) {
		return entries, stale
	}
	next := Message{Message: msg, State: StateConfirmed}
	carryFlag(&next, held)
	out := append([]Message(nil), entries...)
	out[i] = next
	return out, applied
}

// isCounterpart reports whether msg is the persisted form of the pending
// entry. Unsent entries are never matched.
func isCounterpart(entry Message, msg store.Message, window time.Duration) bool {
	if entry.State != StatePending {
		return false
	}
	if entry.RoomID != msg.RoomID || entry.SenderID != msg.SenderID ||
		entry.Body != msg.Body || entry.Kind != msg.Kind ||
		entry.ParentID() != msg.ParentID() ||
		entry.Metadata.FileURL != msg.Metadata.FileURL {
		return false
	}
	d := msg.CreatedAt.Sub(entry.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// insertOrdered places msg after every entry created at or before it.
func insertOrdered(entries []Message, msg Message) []Message {
	i := len(entries)
	for i > 0 && entries[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	out := make([]Message, 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, msg)
	return append(out, entries[i:]...)
}

// markFlagged applies a local flag. A flag on an entry without a persisted
// id is written once the entry is confirmed.
func markFlagged(m *Message, reason string) {
	m.Flagged = true
	m.FlagReason = reason
	m.localFlag = true
	m.flagUnsent = m.State != StateConfirmed
}

func indexOf(entries []Message, id string) int {
	for i, entry := range entries {
		if entry.ID == id {
			return i
		}
	}
	return -1
}

// withEntry returns a copy of entries with fn applied to the entry with id.
func withEntry(entries []Message, id string, fn func(*Message)) ([]Message, bool) {
	i := indexOf(entries, id)
	if i < 0 {
		return entries, false
	}
	out := append([]Message(nil), entries...)
	fn(&out[i])
	return out, true
}

// carryOver merges the entries held before a refetch into the freshly loaded
// ones. Unconfirmed entries stay visible unless loaded holds their persisted
// counterpart. Confirmed entries delivered while the fetch was in flight are
// kept, as are flags not yet persisted.
func carryOver(loaded, prior []Message, window time.Duration) []Message {
	out := append([]Message(nil), loaded...)
	claimed := make(map[string]bool)
	for _, entry := range prior {
		switch entry.State {
		case StateConfirmed:
			i := indexOf(out, entry.ID)
			if i < 0 {
				out = insertOrdered(out, entry)
				continue
			}
			carryFlag(&out[i], entry)
		case StatePending:
			if id, ok := findCounterpart(out, entry, window, claimed); ok {
				claimed[id] = true
				carryFlag(&out[indexOf(out, id)], entry)
				continue
			}
			out = append(out, entry)
		case StateUnsent:
			out = append(out, entry)
		}
	}
	return out
}

func findCounterpart(entries []Message, pending Message, window time.Duration, claimed map[string]bool) (string, bool) {
	for _, entry := range entries {
		if entry.State != StateConfirmed || claimed[entry.ID] {
			continue
		}
		if isCounterpart(pending, entry.Message, window) {
			return entry.ID, true
		}
	}
	return "", false
}
