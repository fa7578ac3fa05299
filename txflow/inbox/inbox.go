package inbox

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"
)

// MaxMessageIDLength is the stored size limit for message ids. Longer ids
// are normalized to a stable prefix plus hash suffix before storage.
const MaxMessageIDLength = 255

// hashSuffixLength is the hex sha256 digest length plus the separator.
const hashSuffixLength = 65

// Admission is the outcome of asking the guard about a message id.
type Admission int

const (
	// AdmissionAdmitted means this delivery is the first and may proceed.
	AdmissionAdmitted Admission = iota
	// AdmissionDuplicate means the id was already processed; skip side effects.
	AdmissionDuplicate
)

// String returns the admission name.
func (admission Admission) String() string {
	switch admission {
	case AdmissionAdmitted:
		return "ADMITTED"
	case AdmissionDuplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// Tx is the transaction handle accepted by AdmitWithTx.
type Tx = *sql.Tx

// ProcessedMessage is the stored record of a consumed message id.
type ProcessedMessage struct {
	MessageID   string
	ProcessedAt time.Time
}

// Guard decides whether a message id has been seen before.
//
// Admit must be atomic with respect to concurrent deliveries of the same
// id: exactly one caller observes AdmissionAdmitted.
type Guard interface {
	// Admit records the message id and reports whether this delivery won.
	Admit(ctx context.Context, messageID string) (Admission, error)

	// AdmitWithTx records the message id inside an existing transaction so
	// the admission commits or rolls back together with the caller's side
	// effects.
	AdmitWithTx(ctx context.Context, tx Tx, messageID string) (Admission, error)

	// Forget releases an admission whose processing failed transiently, so
	// a redelivery of the same id is admitted again.
	Forget(ctx context.Context, messageID string) error

	// PruneBefore deletes processed-message records older than cutoff and
	// returns how many were removed. Pruning trades storage for a bounded
	// deduplication window.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NormalizeMessageID validates and bounds a message id for storage.
//
// Ids within the limit are stored verbatim. Longer ids keep a stable
// prefix and append a sha256 suffix, so normalization is deterministic and
// distinct long ids stay distinct.
func NormalizeMessageID(messageID string) (string, error) {
	trimmed := strings.TrimSpace(messageID)
	if trimmed == "" {
		return "", ErrMessageIDRequired
	}

	if len(trimmed) <= MaxMessageIDLength {
		return trimmed, nil
	}

	digest := sha256.Sum256([]byte(trimmed))
	prefix := trimmed[:MaxMessageIDLength-hashSuffixLength]

	return prefix + "#" + hex.EncodeToString(digest[:]), nil
}
