package api

// Session invalidation behaviours.
const (
	SessionBehaviorRelease = "release"
	SessionBehaviorDelete  = "delete"
)

// SessionRequest is the body of PUT /v1/session/create.
type SessionRequest struct {
	Name      string   `json:"Name,omitempty"`
	Node      string   `json:"Node,omitempty"`
	LockDelay string   `json:"LockDelay,omitempty"`
	Behavior  string   `json:"Behavior,omitempty"`
	TTL       string   `json:"TTL,omitempty"`
	Checks    []string `json:"Checks,omitempty"`
}

// SessionCreateResponse is returned by PUT /v1/session/create.
type SessionCreateResponse struct {
	ID string `json:"ID"`
}

// SessionEntry describes a session as returned by the session info and
// renew endpoints. LockDelay is reported in nanoseconds.
type SessionEntry struct {
	ID          string   `json:"ID"`
	Name        string   `json:"Name"`
	Node        string   `json:"Node"`
	LockDelay   int64    `json:"LockDelay"`
	Behavior    string   `json:"Behavior"`
	TTL         string   `json:"TTL"`
	Checks      []string `json:"Checks,omitempty"`
	CreateIndex uint64   `json:"CreateIndex"`
	ModifyIndex uint64   `json:"ModifyIndex"`
}
