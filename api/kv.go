package api

// LockFlagValue tags keys managed by the lock protocol. Any other flags value
// on a lock key marks it as foreign data.
const LockFlagValue uint64 = 0x2ddccbc058a50c18

// KVPair is a single key/value entry as returned by GET /v1/kv/<key>.
type KVPair struct {
	Key         string `json:"Key"`
	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
	LockIndex   uint64 `json:"LockIndex"`
	Flags       uint64 `json:"Flags"`
	Value       []byte `json:"Value"`
	Session     string `json:"Session,omitempty"`
}

// Clone returns a deep copy of p.
func (p *KVPair) Clone() *KVPair {
	if p == nil {
		return nil
	}
	out := *p
	if p.Value != nil {
		out.Value = append([]byte(nil), p.Value...)
	}
	return &out
}

// IsLock reports whether the pair carries the lock protocol flag.
func (p *KVPair) IsLock() bool {
	return p != nil && p.Flags == LockFlagValue
}

// HeldBy reports whether the pair is currently held by session.
func (p *KVPair) HeldBy(session string) bool {
	return p != nil && session != "" && p.Session == session
}
