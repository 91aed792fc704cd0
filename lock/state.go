package lock

import (
	"net/http"
	"time"

	"pkt.systems/kvcoord/api"
)

// State is the phase of a lock context.
type State int

const (
	StateIdle State = iota
	StateSession
	StateWait
	StateAcquire
	StateMonitor
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSession:
		return "session"
	case StateWait:
		return "wait"
	case StateAcquire:
		return "acquire"
	case StateMonitor:
		return "monitor"
	case StateEnd:
		return "end"
	default:
		return "unknown"
	}
}

// RetryInfo is the payload of retry events.
type RetryInfo struct {
	// Leader is the session currently holding the key.
	Leader string
}

type waitAction int

const (
	waitProceed waitAction = iota
	waitRetry
	waitFail
)

// waitOutcome is the decision taken on the wait-state read.
type waitOutcome struct {
	action waitAction
	index  uint64
	leader string
	err    error
}

// decideWait interprets the read of the lock key made in the wait state.
func decideWait(resp *api.Response, pair *api.KVPair, err error, session string) waitOutcome {
	if err != nil {
		return waitOutcome{action: waitFail, err: err}
	}
	idx, _ := resp.Index()
	if pair != nil {
		if pair.Flags != api.LockFlagValue {
			return waitOutcome{action: waitFail, err: ErrNotLockKey}
		}
		if pair.Session != "" && pair.Session != session {
			return waitOutcome{action: waitRetry, index: idx, leader: pair.Session}
		}
		return waitOutcome{action: waitProceed, index: idx}
	}
	if resp.Status() != http.StatusNotFound {
		return waitOutcome{action: waitFail, err: &unexpectedStatusError{status: resp.Status()}}
	}
	return waitOutcome{action: waitProceed, index: idx}
}

// ownershipLost reports whether a monitor change shows the key is no longer
// held by session.
func ownershipLost(data any, session string) bool {
	pair, _ := data.(*api.KVPair)
	return pair == nil || pair.Session != session
}

// livenessInterval is how often the monitor checks for silence.
func livenessInterval(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return ttl
	}
	return time.Second
}

// stale reports whether the last successful monitor read is older than the
// session TTL plus one second.
func stale(now, last time.Time, ttl time.Duration) bool {
	return now.Sub(last) > ttl+time.Second
}
