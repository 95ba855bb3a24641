package relay

import (
	"time"

	"github.com/postalsys/udprelay/internal/logging"
)

// tick runs the timeout supervisor (spec §4.4) for one dispatcher wakeup:
// it reaps expired HALF_OPEN and ESTABLISHED entries and advances the
// no-connections clock. It reports whether the daemon should now exit.
func (d *Dispatcher) tick(now time.Time) (shouldExit bool) {
	reapedPairing := d.table.SweepPairingTimeouts(now, d.cfg.PairingTimeout)
	for _, e := range reapedPairing {
		d.metrics.PairingTimeouts.Inc()
		if d.cfg.Verbose {
			d.logger.Debug("pairing timed out",
				logging.KeyPeer, e.FirstPeer,
				logging.KeyTimeout, d.cfg.PairingTimeout,
				logging.KeyDuration, now.Sub(e.CreatedAt))
		}
	}

	reapedInactive := d.table.SweepInactivityTimeouts(now, d.cfg.ConnectionInactivityTimeout)
	for _, e := range reapedInactive {
		d.metrics.InactivityTimeouts.Inc()
		if d.cfg.Verbose {
			d.logger.Debug("connection idle timeout",
				logging.KeyPeer, e.FirstPeer,
				logging.KeyOpponent, e.SecondPeer,
				logging.KeyTimeout, d.cfg.ConnectionInactivityTimeout,
				logging.KeyDuration, now.Sub(e.LastActivityAt))
		}
	}

	if len(reapedPairing) > 0 || len(reapedInactive) > 0 {
		d.refreshGauges()
	}

	if d.table.IsEmpty() {
		if d.noConnectionsSince.IsZero() {
			d.noConnectionsSince = now
		}
		return now.Sub(d.noConnectionsSince) > d.cfg.NoConnectionsTimeout
	}

	d.noConnectionsSince = time.Time{}
	return false
}
