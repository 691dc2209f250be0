// Package ids generates record identifiers.
//
// Ledger entries and deals get ULIDs: lexicographically sortable, so
// ordering by id follows creation order inside one process. Directory
// records (warehouses, price records, transfers) get random UUIDs.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a monotonic ULID string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewUUID returns a random UUIDv4 string.
func NewUUID() string {
	return uuid.NewString()
}

// Time extracts the timestamp encoded in a ULID produced by New.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
