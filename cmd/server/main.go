package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocremote/ochub/pkg/gateway"
	"github.com/ocremote/ochub/pkg/server"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type options struct {
	configPath string
	httpAddr   string
	sshAddr    string
	verbose    bool
}

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "ochub [address]",
		Short: "Pairing hub for OpenComputers remote terminals",
		Long: `ochub accepts TCP connections from OC terminals and remote viewers,
lets each claim a username, and pairs a viewer with the terminal it asks for.
Once paired, PAIR_* messages are forwarded verbatim between the two.

The address argument overrides listen_address from the config file.`,
		Args:          cobra.MaximumNArgs(1),
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, args)
			if err != nil {
				return err
			}
			return run(cfg, opts.verbose)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "~/.ochub/config.toml", "Path to config file")
	cmd.Flags().StringVar(&opts.httpAddr, "http", "", "Admin HTTP address for /healthz, /metrics and /ws (overrides config)")
	cmd.Flags().StringVar(&opts.sshAddr, "ssh", "", "SSH gateway address (overrides config)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

// loadConfig reads the config file and applies command-line overrides
func loadConfig(cmd *cobra.Command, opts options, args []string) (server.ServerConfig, error) {
	file, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return server.ServerConfig{}, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := file.ToServerConfig()
	if len(args) == 1 {
		cfg.ListenAddress = args[0]
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTPAddress = opts.httpAddr
	}
	if cmd.Flags().Changed("ssh") {
		cfg.SSHAddress = opts.sshAddr
	}

	if err := cfg.Validate(); err != nil {
		return server.ServerConfig{}, err
	}
	return cfg, nil
}

func run(cfg server.ServerConfig, verbose bool) error {
	return serve(cfg, verbose, shutdownSignal())
}

// shutdownSignal fires on SIGINT or SIGTERM
func shutdownSignal() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan
}

// serve runs the hub and its gateways until stop fires or the hub fails.
// The reactor starts first so every early return below goes through the
// same shutdown path and releases the hub's descriptors.
func serve(cfg server.ServerConfig, verbose bool, stop <-chan os.Signal) (err error) {
	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	if verbose {
		server.EnableDebugLogging()
		gateway.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run()
	}()

	var httpServer *http.Server
	var sshGateway *gateway.SSHGateway
	hubRunning := true

	defer func() {
		if sshGateway != nil {
			sshGateway.Close()
		}
		if httpServer != nil {
			httpServer.Close()
		}
		if hubRunning {
			if stopErr := srv.Stop(); stopErr != nil {
				log.Printf("Error during shutdown: %v", stopErr)
			}
			if hubErr := <-runErr; err == nil {
				err = hubErr
			}
		}
		log.Println("Server stopped")
	}()

	hubAddr := dialableAddr(srv.Addr())

	log.Printf("ochub %s started", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): %s", srv.Addr())

	if cfg.HTTPAddress != "" {
		var ws http.Handler
		if cfg.WebSocketGateway {
			ws = gateway.NewWebSocketGateway(hubAddr)
		}

		ln, err := net.Listen("tcp", cfg.HTTPAddress)
		if err != nil {
			return fmt.Errorf("failed to start admin HTTP: %w", err)
		}

		httpServer = &http.Server{
			Handler:           srv.HTTPHandler(ws),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()

		log.Printf("  - Admin HTTP: http://%s (/healthz, /metrics)", ln.Addr())
		if ws != nil {
			log.Printf("  - WebSocket: ws://%s/ws", ln.Addr())
		}
	}

	if cfg.SSHAddress != "" {
		keyPath, err := server.ExpandPath(cfg.SSHHostKeyPath)
		if err != nil {
			return err
		}

		gw, err := gateway.NewSSHGateway(hubAddr, keyPath)
		if err != nil {
			return fmt.Errorf("failed to set up SSH gateway: %w", err)
		}
		if err := gw.Start(cfg.SSHAddress); err != nil {
			return fmt.Errorf("failed to start SSH gateway: %w", err)
		}
		sshGateway = gw

		log.Printf("  - SSH: %s (host key %s)", sshGateway.Addr(), keyPath)
	}

	select {
	case sig := <-stop:
		log.Printf("Received %s, shutting down...", sig)
		return nil
	case err := <-runErr:
		hubRunning = false
		log.Printf("Hub stopped: %v", err)
		return err
	}
}

// dialableAddr turns a wildcard listen address into one the gateways can dial
func dialableAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		ip := net.IPv4(127, 0, 0, 1)
		if tcp.IP != nil && tcp.IP.To4() == nil {
			ip = net.IPv6loopback
		}
		return net.JoinHostPort(ip.String(), fmt.Sprint(tcp.Port))
	}
	return tcp.String()
}
