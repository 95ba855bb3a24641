package pairing

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"
)

func addr(ip string, port uint16) PeerAddress {
	return netip.AddrPortFrom(netip.MustParseAddr(ip), port)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAdmit_HappyPath(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)
	b := addr("198.51.100.2", 50000)

	if out := tbl.Admit(a, []byte("12345"), epoch); out != Created {
		t.Fatalf("first admit = %v, want Created", out)
	}
	if tbl.Len() != 1 {
		t.Fatalf("table len = %d, want 1", tbl.Len())
	}

	if out := tbl.Admit(b, []byte("12345"), epoch.Add(time.Second)); out != EstablishedNow {
		t.Fatalf("second admit = %v, want EstablishedNow", out)
	}

	e, ok := tbl.LookupEstablished(a)
	if !ok {
		t.Fatalf("LookupEstablished(a) failed after establishment")
	}
	opp, ok := e.Opponent(a)
	if !ok || opp != b {
		t.Fatalf("Opponent(a) = %v, %v; want %v, true", opp, ok, b)
	}
}

func TestAdmit_DuplicateFromFirstPeerIsIdempotent(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)

	tbl.Admit(a, []byte("12345"), epoch)
	before := tbl.Len()

	out := tbl.Admit(a, []byte("12345"), epoch.Add(30*time.Second))
	if out != RefreshedHalfOpen {
		t.Fatalf("repeat admit = %v, want RefreshedHalfOpen", out)
	}
	if tbl.Len() != before {
		t.Fatalf("table size changed on idempotent refresh: %d -> %d", before, tbl.Len())
	}

	e := tbl.entries["12345"]
	if !e.CreatedAt.Equal(epoch.Add(30 * time.Second)) {
		t.Errorf("created_at not refreshed")
	}
}

func TestAdmit_ThirdPeerRejected(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)
	b := addr("198.51.100.2", 50000)
	c := addr("198.51.100.3", 60000)

	tbl.Admit(a, []byte("12345"), epoch)
	tbl.Admit(b, []byte("12345"), epoch)

	out := tbl.Admit(c, []byte("12345"), epoch)
	if out != ThirdPeerRejected {
		t.Fatalf("third peer admit = %v, want ThirdPeerRejected", out)
	}
	if _, ok := tbl.LookupEstablished(c); ok {
		t.Fatalf("third peer incorrectly joined the pair")
	}
	// a<->b must be unaffected.
	if e, ok := tbl.LookupEstablished(a); !ok || e.FirstPeer != a || e.SecondPeer != b {
		t.Fatalf("a<->b pairing disturbed by rejected third peer")
	}
}

func TestAdmit_EstablishedDuplicateRefreshesActivity(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)
	b := addr("198.51.100.2", 50000)

	tbl.Admit(a, []byte("12345"), epoch)
	tbl.Admit(b, []byte("12345"), epoch)

	out := tbl.Admit(b, []byte("12345"), epoch.Add(time.Minute))
	if out != RefreshedEstablished {
		t.Fatalf("duplicate established admit = %v, want RefreshedEstablished", out)
	}
	e := tbl.entries["12345"]
	if !e.LastActivityAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("last_activity_at not refreshed on established duplicate")
	}
}

func TestAdmit_ReverseIndexConflictEvictsOlder(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)

	tbl.Admit(a, []byte("secret-one"), epoch)
	if tbl.Len() != 1 {
		t.Fatalf("setup: table len = %d, want 1", tbl.Len())
	}

	// a roams (NAT rebind) and presents a different secret from the same
	// address; the stale entry for secret-one must be evicted entirely.
	out := tbl.Admit(a, []byte("secret-two"), epoch.Add(time.Second))
	if out != Created {
		t.Fatalf("admit after roam = %v, want Created", out)
	}
	if tbl.Len() != 1 {
		t.Fatalf("table len after roam = %d, want 1 (stale entry not evicted)", tbl.Len())
	}
	if _, ok := tbl.entries["secret-one"]; ok {
		t.Errorf("secret-one entry still present after conflicting admit")
	}
	if tbl.reverse[a] != "secret-two" {
		t.Errorf("reverse index still points at stale secret")
	}
}

func TestSweepPairingTimeouts(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)
	tbl.Admit(a, []byte("stale"), epoch)

	reaped := tbl.SweepPairingTimeouts(epoch.Add(91*time.Second), 90*time.Second)
	if len(reaped) != 1 {
		t.Fatalf("reaped = %d, want 1", len(reaped))
	}
	if !tbl.IsEmpty() {
		t.Fatalf("table not empty after reaping only entry")
	}
	if _, ok := tbl.reverse[a]; ok {
		t.Fatalf("reverse index entry survived pairing timeout")
	}
}

func TestSweepInactivityTimeouts(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)
	b := addr("198.51.100.2", 50000)
	tbl.Admit(a, []byte("s"), epoch)
	tbl.Admit(b, []byte("s"), epoch)

	reaped := tbl.SweepInactivityTimeouts(epoch.Add(181*time.Second), 180*time.Second)
	if len(reaped) != 1 {
		t.Fatalf("reaped = %d, want 1", len(reaped))
	}
	if _, ok := tbl.reverse[a]; ok {
		t.Errorf("first_peer survived inactivity timeout")
	}
	if _, ok := tbl.reverse[b]; ok {
		t.Errorf("second_peer survived inactivity timeout")
	}
}

func TestSweepPairingTimeouts_DoesNotTouchEstablished(t *testing.T) {
	tbl := NewTable()
	a := addr("198.51.100.1", 40000)
	b := addr("198.51.100.2", 50000)
	tbl.Admit(a, []byte("s"), epoch)
	tbl.Admit(b, []byte("s"), epoch)

	reaped := tbl.SweepPairingTimeouts(epoch.Add(time.Hour), 90*time.Second)
	if len(reaped) != 0 {
		t.Fatalf("pairing sweep reaped an ESTABLISHED entry")
	}
}

// TestRandomizedInvariants fuzzes the admission sequence and checks the
// invariants of spec §8 hold after every step, including interleaved
// timeout sweeps.
func TestRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tbl := NewTable()
	now := epoch

	addrs := make([]PeerAddress, 12)
	for i := range addrs {
		addrs[i] = netip.AddrPortFrom(netip.AddrFrom4([4]byte{198, 51, 100, byte(i + 1)}), uint16(40000+i))
	}
	secrets := []string{"alpha", "bravo", "charlie", "delta"}

	for i := 0; i < 5000; i++ {
		now = now.Add(time.Duration(rng.Intn(5)) * time.Second)
		a := addrs[rng.Intn(len(addrs))]
		s := secrets[rng.Intn(len(secrets))]

		tbl.Admit(a, []byte(s), now)

		if rng.Intn(20) == 0 {
			tbl.SweepPairingTimeouts(now, 90*time.Second)
		}
		if rng.Intn(20) == 0 {
			tbl.SweepInactivityTimeouts(now, 180*time.Second)
		}

		if problems := tbl.CheckInvariants(); len(problems) != 0 {
			t.Fatalf("step %d: invariants violated: %v", i, problems)
		}
	}
}
