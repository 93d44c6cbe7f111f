// Package main provides the CLI entry point for the pingerd ICMP echo daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/postalsys/pingerd/internal/agent"
	"github.com/postalsys/pingerd/internal/config"
	"github.com/postalsys/pingerd/internal/service"
	"github.com/postalsys/pingerd/internal/sysinfo"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pingerd",
		Short: "pingerd - ICMP echo probing daemon",
		Long: `pingerd owns a raw ICMP socket and probes IPv4 hosts on behalf of
unprivileged local clients. Clients send requests over a unix datagram
socket and receive the round trip time, or an errno, in reply.

Requests are checked against a timeout bound, accept/reject network
filters and a global rate limit before anything is transmitted.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkConfigCmd())
	rootCmd.AddCommand(serviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are command line overrides on top of the config file.
type options struct {
	configPath string
	socket     string
	group      string
	rate       string
	accept     []string
	reject     []string
	maxTimeout time.Duration
	size       int
	logLevel   string
	logFormat  string
	http       string
}

func (o *options) register(fs *pflag.FlagSet) {
	def := config.Default()
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to configuration file")
	fs.StringVarP(&o.socket, "socket", "s", def.Socket.Path, "Control socket path")
	fs.StringVarP(&o.group, "group", "g", def.Socket.Group, "Group allowed to use the control socket")
	fs.StringVarP(&o.rate, "rate", "r", def.Limits.Rate, "Request rate limit as COUNT/PERIOD[s|m|h]")
	fs.StringArrayVarP(&o.accept, "accept", "a", nil, "Accept only targets in IP[/MASK] (repeatable)")
	fs.StringArrayVarP(&o.reject, "reject", "x", nil, "Reject targets in IP[/MASK] (repeatable)")
	fs.DurationVarP(&o.maxTimeout, "max-timeout", "t", def.Limits.MaxTimeout, "Largest timeout a request may ask for")
	fs.IntVar(&o.size, "size", def.Probe.Size, "Echo request size in bytes, IP header included")
	fs.StringVar(&o.logLevel, "log-level", def.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", def.Log.Format, "Log format (text, json)")
	fs.StringVar(&o.http, "http", "", "Serve /metrics and /latest on this address")
}

// load reads the config file, if any, and applies the flags that were set
// explicitly.
func (o *options) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if fs.Changed("socket") {
		cfg.Socket.Path = o.socket
	}
	if fs.Changed("group") {
		cfg.Socket.Group = o.group
	}
	if fs.Changed("rate") {
		cfg.Limits.Rate = o.rate
	}
	if fs.Changed("accept") {
		cfg.Filters.Accept = o.accept
	}
	if fs.Changed("reject") {
		cfg.Filters.Reject = o.reject
	}
	if fs.Changed("max-timeout") {
		cfg.Limits.MaxTimeout = o.maxTimeout
	}
	if fs.Changed("size") {
		cfg.Probe.Size = o.size
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if fs.Changed("http") {
		cfg.HTTP.Enabled = o.http != ""
		if o.http != "" {
			cfg.HTTP.Address = o.http
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		Long:  "Open the raw ICMP socket, drop privileges and serve probe requests until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}

			sysinfo.Version = Version
			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := a.Start(); err != nil {
				a.Stop()
				return fmt.Errorf("failed to start agent: %w", err)
			}

			fmt.Printf("pingerd %s listening on %s\n", Version, a.SocketPath())
			if addr := a.HTTPAddress(); addr != "" {
				fmt.Printf("HTTP server: http://%s\n", addr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-a.Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return a.Err()
		},
	}

	opts.register(cmd.Flags())

	return cmd
}

func checkConfigCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it",
		Long:  "Load the configuration file, apply flags, validate, and print the effective configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	opts.register(cmd.Flags())

	return cmd
}

func serviceCmd() *cobra.Command {
	var (
		configPath string
		socketPath string
		user       string
		group      string
	)

	svcConfig := func() service.ServiceConfig {
		cfg := service.DefaultConfig(configPath, socketPath)
		cfg.User = user
		cfg.Group = group
		return cfg
	}

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the pingerd systemd service",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file the service runs with")
	cmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", config.DefaultSocketPath, "Control socket path")
	cmd.PersistentFlags().StringVarP(&user, "user", "u", "", "Run the daemon as this user")
	cmd.PersistentFlags().StringVarP(&group, "group", "g", "", "Run the daemon with this group")

	cmd.AddCommand(&cobra.Command{
		Use:   "unit",
		Short: "Print the systemd unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), service.Unit(svcConfig(), execPath))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install, enable and start the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := svcConfig()
			if err := service.Install(cfg); err != nil {
				return err
			}
			fmt.Printf("Installed and started %s\n", cfg.Name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := svcConfig().Name
			if err := service.Uninstall(name); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := svcConfig().Name
			if !service.IsInstalled(name) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not installed\n", name)
				return nil
			}
			status, err := service.Status(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
			return nil
		},
	})

	return cmd
}
