// Package main provides the pinger client for pingerd and the probe size
// sweep tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/pingerd/internal/agent"
	"github.com/postalsys/pingerd/internal/config"
	"github.com/postalsys/pingerd/internal/control"
	"github.com/postalsys/pingerd/internal/icmp"
	"github.com/postalsys/pingerd/internal/logging"
	"github.com/postalsys/pingerd/internal/protocol"
	"github.com/postalsys/pingerd/internal/sweep"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := pingCmd()
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	var (
		socketPath string
		timeout    time.Duration
		count      int
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pinger [flags] HOST...",
		Short: "pinger - probe hosts through pingerd",
		Long: `pinger asks a running pingerd to probe each HOST and prints one
"host: result" line per response. The result is the round trip time in
microseconds, or a negative errno when the probe failed.

With --count greater than one, a latency summary is printed per host.`,
		Version: Version,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts := parseHosts(args, cmd.ErrOrStderr())
			if len(hosts) == 0 {
				return errors.New("no valid hosts")
			}

			c, err := control.Dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summaries := newSummaries(hosts)
			out := cmd.OutOrStdout()

			for i := 0; count <= 0 || i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
					case <-time.After(interval):
					}
				}
				if ctx.Err() != nil {
					break
				}

				outcomes, err := probeRound(ctx, c, hosts, timeout)
				if err != nil {
					return err
				}
				for _, o := range outcomes {
					printOutcome(out, o)
					summaries.record(o)
				}
			}

			if count != 1 {
				summaries.print(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", config.DefaultSocketPath, "pingerd control socket")
	cmd.Flags().DurationVarP(&timeout, "timeout", "W", 5*time.Second, "Probe timeout")
	cmd.Flags().IntVarP(&count, "count", "c", 1, "Rounds to send, 0 for unlimited")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Wait between rounds")

	return cmd
}

// parseHosts keeps the valid IPv4 addresses and reports the rest.
func parseHosts(args []string, errOut io.Writer) []netip.Addr {
	hosts := make([]netip.Addr, 0, len(args))
	for _, arg := range args {
		a, err := netip.ParseAddr(arg)
		if err != nil || !a.Unmap().Is4() {
			fmt.Fprintf(errOut, "invalid IP: %s\n", arg)
			continue
		}
		hosts = append(hosts, a.Unmap())
	}
	return hosts
}

// outcome is one host's result in a round.
type outcome struct {
	Host netip.Addr
	RTT  time.Duration
	Err  error

	// Code is the raw wire value: microseconds or a negative errno.
	Code int32
}

// probeRound sends one request per host, then collects responses in
// arrival order. Hosts still unanswered at the deadline are reported with
// context.DeadlineExceeded.
func probeRound(ctx context.Context, c *control.Client, hosts []netip.Addr, timeout time.Duration) ([]outcome, error) {
	waiting := make(map[netip.Addr]int, len(hosts))
	for _, h := range hosts {
		if err := c.Send(protocol.NewRequest(h, timeout)); err != nil {
			return nil, err
		}
		waiting[h]++
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	outcomes := make([]outcome, 0, len(hosts))
	for remaining := len(hosts); remaining > 0; {
		resp, err := c.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				return nil, err
			}
			break
		}
		if waiting[resp.Host] == 0 {
			continue
		}
		waiting[resp.Host]--
		remaining--

		rtt, rerr := resp.Result()
		outcomes = append(outcomes, outcome{Host: resp.Host, RTT: rtt, Err: rerr, Code: resp.Time})
	}

	for _, h := range hosts {
		if waiting[h] > 0 {
			waiting[h]--
			outcomes = append(outcomes, outcome{Host: h, Err: context.DeadlineExceeded})
		}
	}
	return outcomes, nil
}

func printOutcome(w io.Writer, o outcome) {
	switch {
	case o.Err == nil:
		fmt.Fprintf(w, "%s: %d\n", o.Host, o.Code)
	case errors.Is(o.Err, context.DeadlineExceeded):
		fmt.Fprintf(w, "%s: no response from pingerd\n", o.Host)
	default:
		fmt.Fprintf(w, "%s: %d (%v)\n", o.Host, o.Code, o.Err)
	}
}

func sweepCmd() *cobra.Command {
	var (
		count    int
		rateFlag float64
		wait     time.Duration
		progress int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "sweep HOST",
		Short: "Measure echo reply loss by probe size",
		Long: `Send Echo Requests of random sizes straight to HOST over a raw socket
and print "size sent received" for every size exercised. Needs the
privilege to open a raw ICMP socket. Runs until --count probes are sent
or it is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("invalid IP: %s", args[0])
			}

			conn, err := icmp.Open()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := agent.DropPrivileges(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errOut := cmd.ErrOrStderr()
			if !cmd.Flags().Changed("progress") && !term.IsTerminal(int(os.Stderr.Fd())) {
				progress = 0
			}
			res, err := sweep.Run(ctx, conn, sweep.Config{
				Target: target,
				Count:  count,
				Wait:   wait,
				Rate:   rateFlag,
				Logger: logging.NewLoggerWithWriter(logLevel, "text", errOut),
				OnSend: func(total int) {
					if progress > 0 && total%progress == 0 {
						fmt.Fprintf(errOut, "%s probes sent\n", humanize.Comma(int64(total)))
					}
				},
			})
			if err != nil {
				return err
			}

			if _, err := res.WriteTo(cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintf(errOut, "%s probes sent, %s unexpected replies\n",
				humanize.Comma(int64(res.Total)), humanize.Comma(int64(res.Bogus)))
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 0, "Probes to send, 0 for unlimited")
	cmd.Flags().Float64VarP(&rateFlag, "rate", "r", 0, "Probes per second, 0 for unlimited")
	cmd.Flags().DurationVarP(&wait, "wait", "w", sweep.DefaultWait, "Reply wait after each probe")
	cmd.Flags().IntVar(&progress, "progress", 1000, "Report progress every N probes, 0 to disable (default off when stderr is not a terminal)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}
