package models

import (
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a sortable "<prefix>_<ulid>" identifier.
func NewID(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

// NewAttemptID identifies one ledger row.
func NewAttemptID() string { return NewID("att") }

// NewPassID identifies one dispatch pass. All attempts of the pass share it.
func NewPassID() string { return uuid.NewString() }
