package license

// Status is the lifecycle state of a license. It is a closed set; code that
// switches on Status must handle every constant below.
type Status string

const (
	// StatusActive is the initial state of an issued license. A license may
	// be active without ever having been activated on a domain.
	StatusActive Status = "active"

	// StatusExpired is entered lazily the first time a read path observes
	// ExpiresAt in the past. The transition is persisted once and is a
	// no-op on every later observation.
	StatusExpired Status = "expired"

	// StatusRevoked is terminal. Once set it is never cleared and no
	// activate, deactivate, or validate-success path is reachable.
	StatusRevoked Status = "revoked"
)

// Valid reports whether s is one of the known status values. The state
// machine rejects rows carrying anything else rather than guessing.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
