// Package audit records coordinator decisions for after-the-fact review.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rgordey/fleetcore/internal/store"
)

// Writer appends decision records to the store's audit log. Every
// state-mutating coordinator decision (assignment, reassignment, scale
// action, conflict resolution) gets one entry.
type Writer struct {
	store *store.Store
}

// NewWriter creates a new audit writer.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Record writes an audit entry for a state-mutating action.
func (w *Writer) Record(action string, inputs interface{}, outcome, subjectID, details string) (*store.AuditEntry, error) {
	return w.store.WriteAudit(action, hashInputs(inputs), outcome, subjectID, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
