package session

// Store tracks live sessions. Lookups never block: implementations guard
// the table, each State guards itself.
type Store interface {
	// Get returns the session if it exists.
	Get(id string) (*State, bool)

	// GetOrCreate returns the session, creating it on first reference.
	GetOrCreate(id string) *State

	// Delete removes a session.
	Delete(id string)

	// Len returns the number of live sessions.
	Len() int
}
