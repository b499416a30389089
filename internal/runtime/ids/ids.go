// Package ids generates correlation and split-group identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CorrelationID returns a time-sortable ULID encoded as a 26-character string.
func CorrelationID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// SplitID returns an identifier shared by every chunk of one split message.
// nuid.Next is safe for concurrent use.
func SplitID() string {
	return nuid.Next()
}

// ReplyAddress returns a fresh ephemeral reply destination for dest.
func ReplyAddress(dest string) string {
	return dest + "-REPLY-" + nuid.Next()
}
