package pairing

import "time"

// Outcome describes what Admit did with a validated pairing request, for
// logging and metrics at the call site.
type Outcome int

const (
	// Created means a new HALF_OPEN entry was inserted.
	Created Outcome = iota
	// RefreshedHalfOpen means a retransmit from the same first peer
	// extended the pairing window.
	RefreshedHalfOpen
	// EstablishedNow means a second, distinct peer completed the pair.
	EstablishedNow
	// RefreshedEstablished means a duplicate from an already-paired peer
	// refreshed last_activity_at.
	RefreshedEstablished
	// ThirdPeerRejected means a third address presented an already
	// ESTABLISHED secret; the table was not changed.
	ThirdPeerRejected
)

// Table is the pairing table together with its reverse index, maintained
// as one consistent unit (spec §3). It is not safe for concurrent use: the
// relay's single dispatch loop is its only caller, by design (spec §5).
type Table struct {
	entries map[string]*Entry
	reverse map[PeerAddress]string

	conflictEvictions int
}

// NewTable creates an empty pairing table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*Entry),
		reverse: make(map[PeerAddress]string),
	}
}

// Len returns the number of entries in the table (HALF_OPEN + ESTABLISHED).
func (t *Table) Len() int {
	return len(t.entries)
}

// Counts returns the number of HALF_OPEN and ESTABLISHED entries.
func (t *Table) Counts() (halfOpen, established int) {
	for _, e := range t.entries {
		if e.State == Established {
			established++
		} else {
			halfOpen++
		}
	}
	return halfOpen, established
}

// ConflictEvictions returns the running total of entries evicted due to a
// reverse-index address conflict, and resets the counter to zero.
func (t *Table) ConflictEvictions() int {
	n := t.conflictEvictions
	t.conflictEvictions = 0
	return n
}

// IsEmpty reports whether the table currently holds no entries.
func (t *Table) IsEmpty() bool {
	return len(t.entries) == 0
}

// LookupEstablished returns the ESTABLISHED entry that addr belongs to, if
// any. This is the fast path dispatcher classification relies on (spec
// §4.1 step 1): it must run before any attempt to parse the datagram as a
// control message.
func (t *Table) LookupEstablished(addr PeerAddress) (*Entry, bool) {
	secret, ok := t.reverse[addr]
	if !ok {
		return nil, false
	}
	e := t.entries[secret]
	if e == nil || e.State != Established {
		return nil, false
	}
	return e, true
}

// Touch refreshes an ESTABLISHED entry's last-activity timestamp after a
// forwarded data-plane datagram (spec §4.3).
func (t *Table) Touch(e *Entry, now time.Time) {
	e.LastActivityAt = now
}

// Admit processes one already-authenticated pairing request (spec §4.2).
// secret must be non-empty; callers validate that via
// protocol.PairingRequest.Authenticate before calling Admit.
func (t *Table) Admit(addr PeerAddress, secret []byte, now time.Time) Outcome {
	key := string(secret)
	entry, exists := t.entries[key]

	if !exists {
		t.evictConflict(addr)
		e := &Entry{
			Secret:         key,
			FirstPeer:      addr,
			CreatedAt:      now,
			LastActivityAt: now,
			State:          HalfOpen,
		}
		t.entries[key] = e
		t.reverse[addr] = key
		return Created
	}

	switch entry.State {
	case HalfOpen:
		if entry.FirstPeer == addr {
			entry.CreatedAt = now
			return RefreshedHalfOpen
		}
		t.evictConflict(addr)
		entry.SecondPeer = addr
		entry.State = Established
		entry.LastActivityAt = now
		t.reverse[addr] = key
		return EstablishedNow

	case Established:
		if entry.HasPeer(addr) {
			entry.LastActivityAt = now
			return RefreshedEstablished
		}
		return ThirdPeerRejected
	}

	return ThirdPeerRejected
}

// evictConflict evicts whatever entry addr currently belongs to, if any,
// before addr is admitted into a (possibly different) pair. A peer may
// belong to at most one active pair at a time (spec §3).
func (t *Table) evictConflict(addr PeerAddress) {
	secret, ok := t.reverse[addr]
	if !ok {
		return
	}
	t.evict(secret)
	t.conflictEvictions++
}

// evict removes an entry and both of its addresses from the reverse index.
func (t *Table) evict(secret string) *Entry {
	e, ok := t.entries[secret]
	if !ok {
		return nil
	}
	delete(t.entries, secret)
	if t.reverse[e.FirstPeer] == secret {
		delete(t.reverse, e.FirstPeer)
	}
	if e.State == Established && t.reverse[e.SecondPeer] == secret {
		delete(t.reverse, e.SecondPeer)
	}
	return e
}

// SweepPairingTimeouts reaps every HALF_OPEN entry whose created_at is
// older than timeout, returning the reaped entries for logging/metrics.
func (t *Table) SweepPairingTimeouts(now time.Time, timeout time.Duration) []*Entry {
	var reaped []*Entry
	for secret, e := range t.entries {
		if e.State != HalfOpen {
			continue
		}
		if now.Sub(e.CreatedAt) > timeout {
			reaped = append(reaped, t.evict(secret))
		}
	}
	return reaped
}

// SweepInactivityTimeouts reaps every ESTABLISHED entry whose
// last_activity_at is older than timeout.
func (t *Table) SweepInactivityTimeouts(now time.Time, timeout time.Duration) []*Entry {
	var reaped []*Entry
	for secret, e := range t.entries {
		if e.State != Established {
			continue
		}
		if now.Sub(e.LastActivityAt) > timeout {
			reaped = append(reaped, t.evict(secret))
		}
	}
	return reaped
}

// CheckInvariants validates the testable properties of spec §8 (1)-(3).
// It is intended for use in tests under randomized traffic, not on the hot
// path.
func (t *Table) CheckInvariants() []string {
	var problems []string

	for secret, e := range t.entries {
		if e.Secret != secret {
			problems = append(problems, "entry key/secret mismatch")
		}
		if e.State == Established && e.FirstPeer == e.SecondPeer {
			problems = append(problems, "established entry with identical peers")
		}
		if rs, ok := t.reverse[e.FirstPeer]; !ok || rs != secret {
			problems = append(problems, "first_peer missing from reverse index")
		}
		if e.State == Established {
			if rs, ok := t.reverse[e.SecondPeer]; !ok || rs != secret {
				problems = append(problems, "second_peer missing from reverse index")
			}
		}
	}

	for addr, secret := range t.reverse {
		e, ok := t.entries[secret]
		if !ok {
			problems = append(problems, "reverse index points at missing entry")
			continue
		}
		if !e.HasPeer(addr) {
			problems = append(problems, "reverse index address not owned by its entry")
		}
	}

	return problems
}
