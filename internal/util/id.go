package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// PendingPrefix marks ids generated on the client for optimistic entries.
const PendingPrefix = "pending_"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewEventID returns a lexically sortable id for bus envelopes.
func NewEventID() string {
	return "evt_" + strings.ToLower(ulid.Make().String())
}

// NewPendingID returns a provisional message id. It is only ever shown
// locally and never sent to persistence.
func NewPendingID() string {
	return PendingPrefix + uuid.NewString()
}

// IsPendingID reports whether id was produced by NewPendingID.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingPrefix)
}
