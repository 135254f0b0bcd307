package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/juju/mgo/v3/bson"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for message ids
// and log correlation ids.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewOID returns a fresh 12-byte object id rendered as 24 hex characters.
// Every persisted document is keyed by one of these.
func NewOID() string {
	return bson.NewObjectId().Hex()
}

// ValidOID reports whether s is a well-formed object id.
func ValidOID(s string) bool {
	return bson.IsObjectIdHex(s)
}
