// Package relay implements the dispatch loop described in spec §4.1: it
// classifies every inbound datagram as data-plane traffic, a pairing
// request, or noise, and drives the timeout supervisor on every wakeup.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/metrics"
	"github.com/postalsys/udprelay/internal/pairing"
	"github.com/postalsys/udprelay/internal/protocol"
	"github.com/postalsys/udprelay/internal/recovery"
)

// MaxDatagramSize is large enough for any UDP payload; UDP itself caps a
// single datagram at 65507 bytes over IPv4.
const MaxDatagramSize = 65535

// Dispatcher owns the relay's socket, pairing table, and timeout
// supervisor. It is not safe for concurrent use — spec §5 makes that a
// deliberate design choice, not an oversight.
type Dispatcher struct {
	conn    packetConn
	table   *pairing.Table
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	noConnectionsSince time.Time
	buf                [MaxDatagramSize]byte
}

// New creates a Dispatcher bound to an already-open socket.
func New(conn *net.UDPConn, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return newDispatcher(conn, cfg, logger, m)
}

func newDispatcher(conn packetConn, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Dispatcher{
		conn:               conn,
		table:              pairing.NewTable(),
		cfg:                cfg,
		logger:             logger,
		metrics:            m,
		noConnectionsSince: time.Now(),
	}
}

// Run executes the dispatch loop until the no-connections timeout fires,
// the context is canceled, or the socket fails fatally. A clean exit (the
// first two cases) returns nil; a fatal socket error is returned as-is so
// main can translate it into a non-zero exit code (spec §6).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := d.conn.SetReadDeadline(time.Now().Add(d.cfg.SocketWaitTimeout)); err != nil {
			return err
		}

		n, from, err := d.conn.ReadFromUDPAddrPort(d.buf[:])
		switch {
		case err == nil:
			d.handlePacketSafely(from, d.buf[:n])
		case isTimeout(err):
			// Expected wakeup; fall through to the supervisor tick below.
		case errors.Is(err, net.ErrClosed):
			return nil
		default:
			return err
		}

		if d.tick(time.Now()) {
			d.logger.Info("no connections for timeout; exiting",
				logging.KeyTimeout, d.cfg.NoConnectionsTimeout)
			return nil
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handlePacketSafely recovers a panic in one packet's handling rather than
// taking the whole daemon down with it. A single malformed or adversarial
// datagram should never be able to end every session the relay is carrying
// (spec §7 treats table inconsistency as a bug to log, not a fatal error).
func (d *Dispatcher) handlePacketSafely(from pairing.PeerAddress, payload []byte) {
	defer recovery.RecoverWithLog(d.logger, "handlePacket")
	d.handlePacket(from, payload)
}

// handlePacket classifies and routes one inbound datagram (spec §4.1).
func (d *Dispatcher) handlePacket(from pairing.PeerAddress, payload []byte) {
	// Step 1: the established fast path runs before any parsing, so an
	// application payload that happens to start with a control prefix is
	// never misrouted once a pair is live.
	if entry, ok := d.table.LookupEstablished(from); ok {
		d.forward(entry, from, payload)
		d.metrics.PacketsClassified.WithLabelValues("forwarded").Inc()
		return
	}

	if protocol.IsPing(payload) {
		d.metrics.PingProbes.Inc()
		d.metrics.PacketsClassified.WithLabelValues("ping").Inc()
		if _, err := d.conn.WriteToUDPAddrPort(protocol.EncodePong(), from); err != nil && d.cfg.Verbose {
			d.logger.Warn("failed to answer liveness probe", logging.KeyPeer, from, logging.KeyError, err)
		}
		return
	}

	req, ok := protocol.ParsePairingRequest(payload)
	if !ok {
		d.metrics.MalformedDropped.Inc()
		d.metrics.PacketsClassified.WithLabelValues("malformed").Inc()
		if d.cfg.Verbose {
			d.logger.Debug("dropped datagram", logging.KeyPeer, from, logging.KeyReason, "unparseable")
		}
		return
	}
	if !req.Authenticate(d.cfg.PreSharedKey) {
		d.metrics.AuthFailures.Inc()
		d.metrics.PacketsClassified.WithLabelValues("auth_failed").Inc()
		if d.cfg.Verbose {
			d.logger.Debug("dropped pairing request", logging.KeyPeer, from, logging.KeyReason, "auth_failed")
		}
		return
	}

	d.handlePairingRequest(from, req)
}

// handlePairingRequest admits a validated pairing request (spec §4.2) and
// updates metrics/logging for the outcome.
func (d *Dispatcher) handlePairingRequest(from pairing.PeerAddress, req protocol.PairingRequest) {
	now := time.Now()
	outcome := d.table.Admit(from, req.Secret, now)

	switch outcome {
	case pairing.Created:
		d.metrics.PacketsClassified.WithLabelValues("pairing_created").Inc()
		if len(req.Secret) < protocol.MinSecretLen {
			d.metrics.WeakSecretsAdmitted.Inc()
			if d.cfg.Verbose {
				d.logger.Warn("session secret shorter than recommended minimum",
					logging.KeyPeer, from, logging.KeyBytes, len(req.Secret))
			}
		}
		if d.cfg.Verbose {
			d.logger.Debug("pairing request created", logging.KeyPeer, from, logging.KeyState, pairing.HalfOpen)
		}
	case pairing.RefreshedHalfOpen:
		d.metrics.PacketsClassified.WithLabelValues("pairing_refreshed").Inc()
	case pairing.EstablishedNow:
		d.metrics.PairingsTotal.Inc()
		d.metrics.PacketsClassified.WithLabelValues("pairing_established").Inc()
		if d.cfg.Verbose {
			d.logger.Info("pair established", logging.KeyPeer, from, logging.KeyState, pairing.Established)
		}
	case pairing.RefreshedEstablished:
		d.metrics.PacketsClassified.WithLabelValues("pairing_duplicate").Inc()
	case pairing.ThirdPeerRejected:
		d.metrics.ThirdPeerRejected.Inc()
		d.metrics.PacketsClassified.WithLabelValues("third_peer_rejected").Inc()
	}

	if evicted := d.table.ConflictEvictions(); evicted > 0 {
		d.metrics.ReverseIndexEvicts.Add(float64(evicted))
	}

	d.refreshGauges()
}

func (d *Dispatcher) refreshGauges() {
	half, established := d.table.Counts()
	d.metrics.PairsHalfOpen.Set(float64(half))
	d.metrics.PairsEstablished.Set(float64(established))
	if d.cfg.Verbose {
		d.logger.Debug("pair counts updated", logging.KeyPairsActive, half+established)
	}
}
