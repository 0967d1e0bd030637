//go:build linux

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/touka-aoi/udp-endpoint/handler"
	"github.com/touka-aoi/udp-endpoint/middleware"
	"github.com/touka-aoi/udp-endpoint/server"
	"github.com/touka-aoi/udp-endpoint/server/peer"
	"github.com/touka-aoi/udp-endpoint/transport"
)

var rootCmd = &cobra.Command{
	Use:   "udp-endpoint",
	Short: "Connection-oriented messaging over a single UDP socket",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		logLevel := slog.LevelInfo
		if debug {
			logLevel = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept connections and echo every message back",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := addrFlag(cmd, "addr")
		if err != nil {
			return err
		}
		opts, err := endpointOptions(cmd)
		if err != nil {
			return err
		}

		pipeline := middleware.NewPipeline().
			Use(middleware.LoggingMiddleware(slog.Default())).
			Use(middleware.EchoMiddleware)
		sessions := handler.NewSessionManager(pipeline, slog.Default())

		ep := server.New(sessions, opts...)
		if err := ep.Init(addr); err != nil {
			return err
		}
		defer ep.Close()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigChan:
			slog.Info("Shutdown signal received")
		case <-ep.Done():
			return errors.New("endpoint stopped unexpectedly")
		}
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a listener, send one message and print the reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := addrFlag(cmd, "addr")
		if err != nil {
			return err
		}
		to, err := addrFlag(cmd, "to")
		if err != nil {
			return err
		}
		message, _ := cmd.Flags().GetString("message")
		wait, _ := cmd.Flags().GetDuration("wait")
		opts, err := endpointOptions(cmd)
		if err != nil {
			return err
		}

		connected := make(chan peer.ConnectionID, 1)
		closed := make(chan struct{}, 1)
		replies := make(chan []byte, 1)
		h := transport.HandlerFuncs{
			OnSucceeded: func(ep transport.Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
				connected <- id
			},
			OnClosed: func(ep transport.Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
				select {
				case closed <- struct{}{}:
				default:
				}
			},
			OnData: func(ep transport.Endpoint, addr netip.AddrPort, id peer.ConnectionID, data []byte) {
				select {
				case replies <- append([]byte(nil), data...):
				default:
				}
			},
		}

		ep := server.New(h, opts...)
		if err := ep.Init(addr); err != nil {
			return err
		}
		defer ep.Close()

		ep.Connect(to)

		var id peer.ConnectionID
		select {
		case id = <-connected:
		case <-closed:
			return fmt.Errorf("could not connect to %s", to)
		}

		if !ep.Send(id, []byte(message)) {
			return fmt.Errorf("failed to send to %s", to)
		}

		select {
		case reply := <-replies:
			fmt.Println(string(reply))
		case <-closed:
			return fmt.Errorf("connection to %s closed", to)
		case <-time.After(wait):
			return fmt.Errorf("no reply from %s within %s", to, wait)
		}

		ep.Disconnect(id)
		return nil
	},
}

func addrFlag(cmd *cobra.Command, name string) (netip.AddrPort, error) {
	s, _ := cmd.Flags().GetString(name)
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("--%s: %w", name, err)
	}
	return addr, nil
}

func endpointOptions(cmd *cobra.Command) ([]server.Option, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	probe, _ := cmd.Flags().GetDuration("probe-interval")
	retries, _ := cmd.Flags().GetInt("retries")
	mtu, _ := cmd.Flags().GetInt("mtu")
	unsolicited, _ := cmd.Flags().GetBool("unsolicited")
	maxMessage, _ := cmd.Flags().GetInt("max-message")

	if probe <= 0 || timeout <= 0 {
		return nil, errors.New("--timeout and --probe-interval must be positive")
	}
	if maxMessage <= 0 {
		return nil, errors.New("--max-message must be positive")
	}
	if retries < 0 {
		return nil, errors.New("--retries must not be negative")
	}

	return []server.Option{
		server.WithConnectionTimeout(timeout),
		server.WithTimeoutProbeInterval(probe),
		server.WithMaxConnectionRetries(retries),
		server.WithMTU(mtu),
		server.WithUnsolicitedData(unsolicited),
		server.WithMaxMessageSize(maxMessage),
		server.WithLogger(slog.Default()),
	}, nil
}

func init() {
	defaults := server.DefaultConfig()

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().Duration("timeout", defaults.ConnectionTimeout, "Drop peers silent for this long")
	rootCmd.PersistentFlags().Duration("probe-interval", defaults.TimeoutProbeInterval, "Ping and handshake retry interval")
	rootCmd.PersistentFlags().Int("retries", defaults.MaxConnectionRetries, "Connect resends before giving up")
	rootCmd.PersistentFlags().Int("mtu", defaults.MaxMTU, "Datagram size budget used for fragmentation")
	rootCmd.PersistentFlags().Int("max-message", defaults.MaxMessageSize, "Largest message accepted or sent, in bytes")
	rootCmd.PersistentFlags().Bool("unsolicited", defaults.AllowUnsolicitedData, "Accept data from peers that never connected")

	listenCmd.Flags().String("addr", "0.0.0.0:4242", "UDP listen address")

	connectCmd.Flags().String("addr", "0.0.0.0:0", "Local UDP address")
	connectCmd.Flags().String("to", "127.0.0.1:4242", "Remote listener address")
	connectCmd.Flags().String("message", "hello", "Message to send")
	connectCmd.Flags().Duration("wait", 5*time.Second, "How long to wait for the reply")

	rootCmd.AddCommand(listenCmd, connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
