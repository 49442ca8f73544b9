package model

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Identifier namespaces. A record id falls into one of four namespaces,
// distinguished by prefix:
//
//	guest_<ts>   - guest mode only; never touches the server
//	offline_<ts> - created while disconnected; must be created server-side
//	               once connectivity resumes
//	temp_<ts>    - created while online, placeholder for the round-trip of an
//	               in-flight create; replaced by the server id on response
//	anything else - an authoritative server-assigned identifier
//
// A record carrying an offline_ or temp_ id is never assumed durable on the
// server: it is either confirmed (id swapped) or actively deleted remotely
// once its true id is known.
const (
	GuestPrefix   = "guest_"
	OfflinePrefix = "offline_"
	TempPrefix    = "temp_"
)

// idSeq disambiguates ids generated within the same millisecond. The original
// used bare timestamps and could collide under rapid creation; the counter
// keeps the "prefix_<number>" shape while making ids unique per process.
var idSeq atomic.Int64

func newLocalID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s%d%03d", prefix, now.UnixMilli(), idSeq.Add(1)%1000)
}

// NewOfflineID mints an id for a record created while disconnected.
func NewOfflineID(now time.Time) string { return newLocalID(OfflinePrefix, now) }

// NewTempID mints a placeholder id for a record created while online.
func NewTempID(now time.Time) string { return newLocalID(TempPrefix, now) }

// NewGuestID mints an id for a guest-mode record.
func NewGuestID(now time.Time) string { return newLocalID(GuestPrefix, now) }

// IsOfflineID reports whether id belongs to the offline_ namespace.
func IsOfflineID(id string) bool { return strings.HasPrefix(id, OfflinePrefix) }

// IsTempID reports whether id belongs to the temp_ namespace.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempPrefix) }

// IsGuestID reports whether id belongs to the guest_ namespace.
func IsGuestID(id string) bool { return strings.HasPrefix(id, GuestPrefix) }

// IsLocalID reports whether id is client-generated (any non-server
// namespace). Such an id must never be sent to the server as-is.
func IsLocalID(id string) bool {
	return IsOfflineID(id) || IsTempID(id) || IsGuestID(id)
}
