// Package models defines the core data structures for ChatBridge.
//
// It includes the inbound message record produced by the chat.db reader, the
// classification outcomes used by the cursor state, and the user directory
// records consulted when routing a message.
package models

import (
	"time"
)

// IncomingMessage is one inbound row read from the Messages store.
// Values are created only by the chat.db reader and never mutated.
type IncomingMessage struct {
	// Position is the store's append-order ROWID.
	Position int64
	// GUID is the stable message identifier, independent of Position.
	GUID      string
	Text      string
	Sender    string
	Timestamp time.Time
}

// Outcome records how the sequencer accounted for a store row.
type Outcome string

const (
	// OutcomeProcessed marks a row dispatched to a sender unit.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate marks a row whose GUID was already handled.
	OutcomeDuplicate Outcome = "skipped_duplicate"
	// OutcomeJunk marks a row dropped as reaction/system noise.
	OutcomeJunk Outcome = "skipped_junk"
)

// IsValidOutcome checks if the given outcome is one the state tracker accepts.
func IsValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeProcessed, OutcomeDuplicate, OutcomeJunk:
		return true
	default:
		return false
	}
}
