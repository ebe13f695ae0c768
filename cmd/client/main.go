package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/ocremote/ochub/pkg/client"
	"github.com/ocremote/ochub/pkg/client/ui"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

const requestTimeout = 10 * time.Second

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath    string
	server        string
	username      string
	password      string
	acceptHostKey bool
	notify        bool
	verbose       bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "occlient",
		Short: "Share or view a terminal through an ochub hub",
		Long: `occlient talks to an ochub hub over TCP, WebSocket (ws://, wss://)
or SSH (ssh://).

  occlient share         claim a username and stream a small terminal
  occlient view <user>   pair with a sharing user and watch their screen
  occlient ping          measure the round trip to the hub`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", client.DefaultConfigPath(), "Path to config file")
	pf.StringVarP(&flags.server, "server", "s", "", "Hub address (overrides config)")
	pf.StringVarP(&flags.username, "username", "u", "", "Username to claim (overrides config)")
	pf.StringVarP(&flags.password, "password", "p", "", "Pairing password")
	pf.BoolVar(&flags.acceptHostKey, "accept-host-key", false, "Trust and record an unknown SSH gateway host key")
	pf.BoolVar(&flags.notify, "notify", false, "Desktop notifications when a partner joins or leaves")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Write connection traces to occlient.log")

	root.AddCommand(
		shareCmd(&flags),
		viewCmd(&flags),
		pingCmd(&flags),
	)

	return root
}

// settings is the merged result of the config file and flags
type settings struct {
	server        string
	username      string
	password      string
	acceptHostKey bool
	notify        bool
	width, height int
	fps           int
}

func resolveSettings(flags *globalFlags) (settings, error) {
	cfg, err := client.LoadClientConfig(flags.configPath)
	if err != nil {
		return settings{}, err
	}

	s := settings{
		server:        cfg.Connection.Server,
		username:      cfg.Share.Username,
		password:      flags.password,
		acceptHostKey: cfg.Connection.AcceptUnknownHostKey || flags.acceptHostKey,
		notify:        cfg.UI.Notify || flags.notify,
		width:         cfg.Share.Width,
		height:        cfg.Share.Height,
		fps:           cfg.Share.FPS,
	}
	if flags.server != "" {
		s.server = flags.server
	}
	if flags.username != "" {
		s.username = flags.username
	}
	if s.username == "" {
		s.username = defaultUsername()
	}
	return s, nil
}

func defaultUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "occlient"
	}
	return host
}

// connect dials the hub and claims the username
func connect(s settings, logger *log.Logger) (*client.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	conn, err := client.DialWithOptions(ctx, s.server, client.Options{
		Logger:               logger,
		AcceptUnknownHostKey: s.acceptHostKey,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Handshake(ctx, s.username, s.password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake as %q failed: %w", s.username, err)
	}
	return conn, nil
}

func goodbye(conn *client.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Goodbye(ctx); err != nil {
		conn.Close()
	}
}

// newLogger returns a trace logger, or nil when --verbose is off. The TUI
// owns the terminal, so traces go to a file.
func newLogger(verbose bool) (*log.Logger, io.Closer, error) {
	if !verbose {
		return nil, io.NopCloser(nil), nil
	}
	f, err := tea.LogToFile("occlient.log", "occlient")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return log.New(f, "occlient: ", log.Ldate|log.Ltime|log.Lmicroseconds), f, nil
}

func runUI(conn *client.Conn, opts ui.Options) error {
	model, err := ui.New(conn, opts)
	if err != nil {
		return err
	}

	p := tea.NewProgram(model, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("error running program: %w", err)
	}

	if m, ok := final.(ui.Model); ok && m.Closed() {
		return client.ErrClosed
	}
	return nil
}

func shareCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "share",
		Short: "Claim a username and stream a terminal to whoever pairs with it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSettings(flags)
			if err != nil {
				return err
			}

			logger, closer, err := newLogger(flags.verbose)
			if err != nil {
				return err
			}
			defer closer.Close()

			conn, err := connect(s, logger)
			if err != nil {
				return err
			}
			defer goodbye(conn)

			return runUI(conn, ui.Options{
				Mode:     ui.ModeShare,
				Username: s.username,
				Width:    s.width,
				Height:   s.height,
				FPS:      s.fps,
				Notify:   s.notify,
			})
		},
	}
}

func viewCmd(flags *globalFlags) *cobra.Command {
	var ownerPassword string

	cmd := &cobra.Command{
		Use:   "view <user>",
		Short: "Pair with a sharing user and watch their screen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := args[0]

			s, err := resolveSettings(flags)
			if err != nil {
				return err
			}
			if s.username == owner {
				s.username = owner + "-viewer"
			}

			logger, closer, err := newLogger(flags.verbose)
			if err != nil {
				return err
			}
			defer closer.Close()

			conn, err := connect(s, logger)
			if err != nil {
				return err
			}
			defer goodbye(conn)

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if err := conn.Pair(ctx, owner, ownerPassword); err != nil {
				return fmt.Errorf("pairing with %q failed: %w", owner, err)
			}

			return runUI(conn, ui.Options{
				Mode:     ui.ModeView,
				Username: s.username,
				Peer:     owner,
				Notify:   s.notify,
			})
		},
	}

	cmd.Flags().StringVar(&ownerPassword, "owner-password", "", "Password the sharing user set")
	return cmd
}

func pingCmd(flags *globalFlags) *cobra.Command {
	var count int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure the round trip to the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSettings(flags)
			if err != nil {
				return err
			}

			var logger *log.Logger
			if flags.verbose {
				logger = log.New(os.Stderr, "occlient: ", log.Ldate|log.Ltime|log.Lmicroseconds)
			}

			// The hub only answers pings after a handshake; use a throwaway name
			s.username = fmt.Sprintf("%s-ping-%d", s.username, os.Getpid())
			conn, err := connect(s, logger)
			if err != nil {
				return err
			}
			defer goodbye(conn)

			out := cmd.OutOrStdout()
			var total time.Duration
			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(interval)
				}
				pctx, pcancel := context.WithTimeout(context.Background(), requestTimeout)
				rtt, err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					return fmt.Errorf("ping %d failed: %w", i+1, err)
				}
				total += rtt
				fmt.Fprintf(out, "pong from %s: seq=%d time=%s\n", conn.Addr(), i+1, rtt.Round(time.Microsecond))
			}

			fmt.Fprintf(out, "%d pings, avg %s, sent %s, received %s\n",
				count,
				(total / time.Duration(max(count, 1))).Round(time.Microsecond),
				humanize.IBytes(conn.BytesSent()),
				humanize.IBytes(conn.BytesReceived()),
			)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 4, "Number of pings")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Delay between pings")
	return cmd
}
