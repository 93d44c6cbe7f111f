package main

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/caio/go-tdigest/v4"
	"github.com/dustin/go-humanize"
)

// hostSummary accumulates one host's results across rounds.
type hostSummary struct {
	host     netip.Addr
	sent     int
	received int
	td       *tdigest.TDigest
}

// summaries keeps per-host summaries in command line order.
type summaries struct {
	order  []netip.Addr
	byHost map[netip.Addr]*hostSummary
}

func newSummaries(hosts []netip.Addr) *summaries {
	s := &summaries{byHost: make(map[netip.Addr]*hostSummary)}
	for _, h := range hosts {
		if _, ok := s.byHost[h]; ok {
			continue
		}
		td, _ := tdigest.New(tdigest.Compression(100))
		s.byHost[h] = &hostSummary{host: h, td: td}
		s.order = append(s.order, h)
	}
	return s
}

func (s *summaries) record(o outcome) {
	hs, ok := s.byHost[o.Host]
	if !ok {
		return
	}
	hs.sent++
	if o.Err != nil {
		return
	}
	hs.received++
	hs.td.Add(float64(o.RTT) / float64(time.Millisecond))
}

func (s *summaries) print(w io.Writer) {
	fmt.Fprintln(w)
	for _, h := range s.order {
		fmt.Fprintln(w, s.byHost[h])
	}
}

// String renders "host: sent, received, loss, min/p50/p95/max ms".
func (hs *hostSummary) String() string {
	loss := 0.0
	if hs.sent > 0 {
		loss = 100 * float64(hs.sent-hs.received) / float64(hs.sent)
	}
	line := fmt.Sprintf("%s: %s sent, %s received, %s%% loss",
		hs.host, humanize.Comma(int64(hs.sent)), humanize.Comma(int64(hs.received)),
		humanize.FtoaWithDigits(loss, 1))
	if hs.received == 0 {
		return line
	}
	return fmt.Sprintf("%s, rtt min/p50/p95/max = %.3f/%.3f/%.3f/%.3f ms", line,
		hs.td.Quantile(0), hs.td.Quantile(0.5), hs.td.Quantile(0.95), hs.td.Quantile(1))
}
