// Command mcbridge runs either end of the resumable game tunnel.
//
//	mcbridge server --backend mc.internal:25565
//	mcbridge client --bridge wss://bridge.example.com/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/risa-org/mcbridge/client"
	"github.com/risa-org/mcbridge/config"
	"github.com/risa-org/mcbridge/logging"
	"github.com/risa-org/mcbridge/server"
)

var (
	configFile string
	logLevel   string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "mcbridge",
	Short: "Resumable TCP tunnel for game connections",
	Long: `mcbridge carries a game client's TCP connection over a message transport
that may drop and come back. The client side buffers while the transport is
down and resumes the same server session when it returns.`,
	SilenceUsage: true,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Accept bridge transports and connect sessions to the backend",
	RunE:  runServer,
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Accept game connections and tunnel them to a bridge server",
	RunE:  runClient,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&listenAddr, "listen", "l", "", "listen address")

	serverCmd.Flags().String("backend", "", "backend host:port")
	serverCmd.Flags().String("tcp-listen", "", "framed TCP transport listen address")
	clientCmd.Flags().String("bridge", "", "bridge server URL, or host:port with --transport tcp")
	clientCmd.Flags().String("transport", "", "transport: websocket or tcp")

	rootCmd.AddCommand(serverCmd, clientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command, override func(*config.Config)) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	override(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd, func(c *config.Config) {
		if listenAddr != "" {
			c.Server.Listen = listenAddr
		}
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			c.Server.Backend = v
		}
		if v, _ := cmd.Flags().GetString("tcp-listen"); v != "" {
			c.Server.TCPListen = v
		}
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg.Server, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("backend", cfg.Server.Backend).Info("mcbridge server starting")
	return srv.Serve(ctx)
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd, func(c *config.Config) {
		if listenAddr != "" {
			c.Client.Listen = listenAddr
		}
		if v, _ := cmd.Flags().GetString("bridge"); v != "" {
			c.Client.Bridge = v
		}
		if v, _ := cmd.Flags().GetString("transport"); v != "" {
			c.Client.Transport = v
		}
	})
	if err != nil {
		return err
	}

	cl, err := client.New(cfg.Client, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cl.ListenAndServe(ctx)
}
