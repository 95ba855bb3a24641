package relay

import (
	"time"

	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/pairing"
)

// forward implements the data-plane forwarder (spec §4.3): once a pair is
// ESTABLISHED, a datagram from either peer is echoed verbatim to the
// other. Send failures are logged but never tear down the pair — UDP sends
// are best-effort, and a transient failure must not cascade into dropping
// a working session.
func (d *Dispatcher) forward(entry *pairing.Entry, from pairing.PeerAddress, payload []byte) {
	opponent, ok := entry.Opponent(from)
	if !ok {
		// Unreachable by construction: LookupEstablished only returns
		// entries where `from` is one of the two peers of an ESTABLISHED
		// entry. Treat as a bug rather than silently dropping (spec §7).
		d.logger.Error("forward: established entry has no opponent for known peer",
			logging.KeyPeer, from)
		return
	}

	n, err := d.conn.WriteToUDPAddrPort(payload, opponent)
	if err != nil {
		d.metrics.ForwardErrors.Inc()
		if d.cfg.Verbose {
			d.logger.Warn("forward failed",
				logging.KeyPeer, from,
				logging.KeyOpponent, opponent,
				logging.KeyError, err)
		}
		// last_activity_at is deliberately not refreshed here: a pair whose
		// sends keep failing must still age out via the inactivity timeout
		// (spec §7), not be kept alive forever by failed attempts.
		return
	}

	d.table.Touch(entry, time.Now())
	d.metrics.PacketsForwarded.Inc()
	d.metrics.BytesForwarded.Add(float64(n))
	if d.cfg.Verbose {
		d.logger.Debug("forwarded datagram",
			logging.KeyPeer, from,
			logging.KeyOpponent, opponent,
			logging.KeyBytes, n)
	}
}
