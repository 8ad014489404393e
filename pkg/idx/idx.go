package idx

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type ID string

// Zero represents the zero value ID, don't use this unless its a placeholder.
const Zero ID = ""

// Prefixes for the record kinds the engine creates. They make ids
// self-describing in logs ("usr_01J...", "ses_01J...").
const (
	PrefixUser       = "usr"
	PrefixSession    = "ses"
	PrefixCode       = "cod"
	PrefixCredential = "crd"
)

// ErrInvalid reports a malformed id string.
var ErrInvalid = errors.New("idx: invalid id")

var (
	globalOnce sync.Once
	global     *generator
)

// generator safely generates ULIDs concurrently using a monotonic source.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *generator) NewAt(t time.Time) ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	u := ulid.MustNew(ulid.Timestamp(t), g.entropy)
	return ID(u.String())
}

func initGlobal() {
	src := ulid.Monotonic(rand.Reader, 0) // Max Monotonic Window
	global = &generator{entropy: src}
}

// New returns a new lexicographically sortable ULID-based ID using the
// current time in UTC and a monotonic entropy source.
func New() ID {
	return NewAt(time.Now().UTC())
}

// NewAt generates an ID at the provided time (UTC), useful for tests.
func NewAt(t time.Time) ID {
	globalOnce.Do(initGlobal)
	return global.NewAt(t)
}

// NewPrefixed returns "<prefix>_<ulid>".
func NewPrefixed(prefix string) ID {
	return ID(prefix + "_" + New().String())
}

// Parse validates s as either a bare ULID or a prefixed one.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalid
	}

	raw := s
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		if i == 0 {
			return Zero, ErrInvalid
		}
		raw = s[i+1:]
	}

	if _, err := ulid.ParseStrict(raw); err != nil {
		return Zero, ErrInvalid
	}

	return ID(s), nil
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == Zero }

// String returns the canonical string form.
func (id ID) String() string { return string(id) }

// Prefix returns the kind prefix or "" for a bare ULID.
func (id ID) Prefix() string {
	if i := strings.LastIndexByte(string(id), '_'); i > 0 {
		return string(id[:i])
	}
	return ""
}

// Time extracts the embedded UTC timestamp from the ID.
// If the ID is invalid or zero, it returns the zero time.
func (id ID) Time() time.Time {
	raw := string(id)
	if i := strings.LastIndexByte(raw, '_'); i >= 0 {
		raw = raw[i+1:]
	}

	u, err := ulid.ParseStrict(raw)
	if err != nil {
		return time.Time{}
	}

	// ULID time component is in ms since epoch.
	return ulid.Time(u.Time()).UTC()
}
