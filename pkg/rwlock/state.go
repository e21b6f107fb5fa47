package rwlock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// writerLease is the exclusive holder. ExpiresAt is unix milliseconds.
type writerLease struct {
	Token     uint64 `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// state is the whole lock as stored under "rwlock:<key>". Reader and waiting
// writer maps go from token to expiry in unix milliseconds.
type state struct {
	Writer  *writerLease     `json:"writer,omitempty"`
	Readers map[string]int64 `json:"readers,omitempty"`
	Waiting map[string]int64 `json:"waiting,omitempty"`
}

func decodeState(raw []byte, found bool) (*state, error) {
	st := &state{}
	if found && len(raw) > 0 {
		if err := json.Unmarshal(raw, st); err != nil {
			return nil, fmt.Errorf("%w: rwlock record: %v", backend.ErrCorruptRecord, err)
		}
	}
	if st.Readers == nil {
		st.Readers = make(map[string]int64)
	}
	if st.Waiting == nil {
		st.Waiting = make(map[string]int64)
	}
	return st, nil
}

func (st *state) encode() ([]byte, error) {
	return json.Marshal(st)
}

// prune drops every entry whose lease has run out at now.
func (st *state) prune(now time.Time) {
	ms := now.UnixMilli()
	if st.Writer != nil && st.Writer.ExpiresAt <= ms {
		st.Writer = nil
	}
	for token, exp := range st.Readers {
		if exp <= ms {
			delete(st.Readers, token)
		}
	}
	for token, exp := range st.Waiting {
		if exp <= ms {
			delete(st.Waiting, token)
		}
	}
}

// acquireRead admits a reader unless a writer holds the lock or waits for it.
func (st *state) acquireRead(token string, expires int64) bool {
	if st.Writer != nil || len(st.Waiting) > 0 {
		return false
	}
	st.Readers[token] = expires
	return true
}

// acquireWrite takes the lock when it is completely free. Otherwise the
// writer is (re)registered as waiting so that new readers back off.
func (st *state) acquireWrite(token string, tokenN uint64, expires int64) bool {
	if st.Writer == nil && len(st.Readers) == 0 {
		st.Writer = &writerLease{Token: tokenN, ExpiresAt: expires}
		delete(st.Waiting, token)
		return true
	}
	st.Waiting[token] = expires
	return false
}

func (st *state) holdsWrite(tokenN uint64) bool {
	return st.Writer != nil && st.Writer.Token == tokenN
}

func (st *state) holdsRead(token string) bool {
	_, ok := st.Readers[token]
	return ok
}

// abandon removes every trace of token.
func (st *state) abandon(token string, tokenN uint64) bool {
	changed := false
	if st.holdsWrite(tokenN) {
		st.Writer = nil
		changed = true
	}
	if _, ok := st.Readers[token]; ok {
		delete(st.Readers, token)
		changed = true
	}
	if _, ok := st.Waiting[token]; ok {
		delete(st.Waiting, token)
		changed = true
	}
	return changed
}

// Status is a point in time view of the lock.
type Status struct {
	Readers        int
	Writer         bool
	WriterToken    uint64
	WaitingWriters int
}

func (st *state) status() Status {
	s := Status{Readers: len(st.Readers), WaitingWriters: len(st.Waiting)}
	if st.Writer != nil {
		s.Writer = true
		s.WriterToken = st.Writer.Token
	}
	return s
}
