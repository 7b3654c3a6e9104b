package store

import "time"

// SetMode selects the existence condition a Set must satisfy to be applied.
type SetMode int

const (
	SetDefault   SetMode = iota // always applied
	SetIfAbsent                 // NX: only when the key is absent or expired
	SetIfPresent                // XX: only when the key is present and live
)

func (m SetMode) String() string {
	switch m {
	case SetIfAbsent:
		return "NX"
	case SetIfPresent:
		return "XX"
	default:
		return "DEFAULT"
	}
}

// SetOptions configures a conditional write. A zero ExpireAt means the write
// carries no explicit expiration; when set it wins over KeepTTL.
type SetOptions struct {
	Mode     SetMode
	ExpireAt time.Time
	KeepTTL  bool
}

// Store is the key space shared by every session. All methods are safe for
// concurrent use and each call is atomic with respect to every other call.
type Store interface {
	Get(key string) ([]byte, bool)
	// Set reports whether the write was applied and whether it replaced a
	// live value.
	Set(key string, value []byte, opts SetOptions) (applied, replaced bool)
	Del(keys ...string) int
	Exists(keys ...string) int
	ExpireAt(key string, when time.Time) bool
	Persist(key string) bool
	// TTLMs returns false when the key does not exist, -1 when it has no
	// expiration or the expiration already passed, and the remaining
	// milliseconds otherwise.
	TTLMs(key string) (int64, bool)
	Len() int
	PurgeExpired() int
}
