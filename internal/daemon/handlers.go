package daemon

import (
	"errors"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/postalsys/pingerd/internal/admission"
	"github.com/postalsys/pingerd/internal/control"
	"github.com/postalsys/pingerd/internal/icmp"
	"github.com/postalsys/pingerd/internal/logging"
	"github.com/postalsys/pingerd/internal/metrics"
	"github.com/postalsys/pingerd/internal/pending"
	"github.com/postalsys/pingerd/internal/protocol"
)

// HandleRequest processes one control datagram from client. Malformed
// datagrams are dropped without a response. Rejected requests and failed
// transmissions are answered at once with a negative result.
func (d *Daemon) HandleRequest(b []byte, client unix.Sockaddr) {
	req, err := protocol.DecodeRequest(b)
	if err != nil {
		d.metrics.RecordMalformed()
		d.logger.Debug("dropping malformed request",
			slog.String(logging.KeyClient, control.ClientName(client)),
			slog.Int(logging.KeySize, len(b)))
		return
	}
	d.metrics.RecordRequest()

	timeout := req.TimeoutDuration()
	if err := d.admitter.Admit(req.Host, timeout); err != nil {
		d.logger.Debug("request rejected",
			slog.String(logging.KeyClient, control.ClientName(client)),
			slog.String(logging.KeyHost, req.Host.String()),
			slog.String(logging.KeyError, err.Error()))
		d.fail(client, req.Host, err)
		return
	}

	id := d.newID()
	d.seq++
	seq := d.seq

	sentAt := d.clock.Now()
	if err := d.prober.Send(id, seq, d.size, req.Host); err != nil {
		d.logger.Warn("send echo request failed",
			slog.String(logging.KeyHost, req.Host.String()),
			slog.String(logging.KeyError, err.Error()))
		d.fail(client, req.Host, err)
		return
	}

	d.queue.Insert(&pending.Probe{
		Client:  client,
		Host:    req.Host,
		ID:      id,
		Seq:     seq,
		SentAt:  sentAt,
		Timeout: timeout,
	}, sentAt)
	d.inFlight.Store(int64(d.queue.Len()))
	d.metrics.RecordProbeSent()

	d.logger.Debug("probe sent",
		slog.String(logging.KeyHost, req.Host.String()),
		slog.Int(logging.KeyID, int(id)),
		slog.Int(logging.KeySeq, int(seq)),
		slog.Duration(logging.KeyTimeout, timeout))
}

// HandleReply correlates an echo reply with an outstanding probe. A reply
// must match id, sequence and source address; anything else is discarded.
func (d *Daemon) HandleReply(r *icmp.Reply) {
	p := d.queue.Match(r.ID, r.Seq, r.Source)
	if p == nil {
		d.metrics.RecordReply(false)
		if q := d.queue.Lookup(r.ID, r.Seq); q != nil {
			d.logger.Debug("reply source does not match probe",
				slog.String(logging.KeyHost, q.Host.String()),
				slog.String(logging.KeyAddress, r.Source.String()),
				slog.Int(logging.KeyID, int(r.ID)),
				slog.Int(logging.KeySeq, int(r.Seq)))
		}
		return
	}
	d.metrics.RecordReply(true)

	d.queue.Remove(p)
	d.inFlight.Store(int64(d.queue.Len()))

	at := r.Timestamp
	if at.IsZero() {
		at = d.clock.Now()
	}
	rtt := max(at.Sub(p.SentAt), 0)

	d.metrics.RecordResolved(rtt.Seconds())
	d.board.Publish(p.Host, rtt, at)
	d.respond(p.Client, protocol.Success(p.Host, rtt))

	d.logger.Debug("probe answered",
		slog.String(logging.KeyHost, p.Host.String()),
		slog.Duration(logging.KeyRTT, rtt))
}

// HandleExpiry resolves the queue head as timed out.
func (d *Daemon) HandleExpiry() {
	p := d.queue.PopExpired()
	if p == nil {
		return
	}
	d.inFlight.Store(int64(d.queue.Len()))

	d.metrics.RecordExpired()
	d.board.PublishExpired(p.Host, d.clock.Now())
	d.respond(p.Client, protocol.Failure(p.Host, protocol.ErrTimedOut))

	d.logger.Debug("probe timed out",
		slog.String(logging.KeyHost, p.Host.String()),
		slog.Duration(logging.KeyTimeout, p.Timeout))
}

func (d *Daemon) fail(client unix.Sockaddr, host netip.Addr, err error) {
	d.metrics.RecordResult(resultLabel(err))
	d.respond(client, protocol.Failure(host, err))
}

// respond delivers a result. Clients that have gone away are not an error.
func (d *Daemon) respond(client unix.Sockaddr, resp protocol.Response) {
	if err := d.endpoint.Reply(client, resp.Encode()); err != nil {
		d.metrics.RecordDeliveryFailure()
		d.logger.Debug("response not delivered",
			slog.String(logging.KeyClient, control.ClientName(client)),
			slog.String(logging.KeyError, err.Error()))
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, admission.ErrInvalidArgument), errors.Is(err, icmp.ErrSize):
		return metrics.ResultInvalid
	case errors.Is(err, admission.ErrForbidden):
		return metrics.ResultForbidden
	case errors.Is(err, admission.ErrThrottled):
		return metrics.ResultThrottled
	}
	return metrics.ResultError
}
