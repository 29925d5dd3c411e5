// Package ids mints the identifiers used for login attempts, federated
// sessions and request tracing.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a 26-character ULID. Ids sort lexicographically by creation
// time, so session listings and log greps come back in order; the monotonic
// entropy source keeps same-millisecond ids ordered too. The mutex makes
// that source safe for concurrent callers.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
