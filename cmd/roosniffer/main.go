package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/roo-sniffer/roo-sniffer/internal/ca"
	"github.com/roo-sniffer/roo-sniffer/internal/dashboard"
	"github.com/roo-sniffer/roo-sniffer/internal/mitm"
	"github.com/roo-sniffer/roo-sniffer/internal/proxy"
	"github.com/roo-sniffer/roo-sniffer/internal/sink"
	"github.com/roo-sniffer/roo-sniffer/internal/watch"
	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

var (
	listenPort    int
	dashboardPort int
	certDir       string
	logPath       string
	keyLogPath    string
	watchDomains  []string
	verbose       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roosniffer",
		Short: "Selective-interception HTTP/HTTPS forward proxy",
		Long:  "roosniffer is a forward proxy that MITM-intercepts TLS only for watch-listed hosts and logs structured request/response records.",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy",
		RunE:  runStart,
	}
	startCmd.Flags().IntVar(&listenPort, "port", 8080, "proxy listen port")
	startCmd.Flags().IntVar(&dashboardPort, "dashboard-port", 8081, "dashboard HTTP port (0 disables the dashboard)")
	startCmd.Flags().StringVar(&certDir, "cert-dir", "~/.roo-sniffer", "CA certificate storage directory")
	startCmd.Flags().StringVar(&logPath, "log", "roo-sniffer.jsonl", "JSONL observation log path")
	startCmd.Flags().StringVar(&keyLogPath, "key-log", "", "TLS key log export path (disabled when empty)")
	startCmd.Flags().StringSliceVar(&watchDomains, "watch", nil, "hostnames (or substrings) to intercept; repeatable")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "capture headers and body/response previews")

	caCmd := &cobra.Command{
		Use:   "ca",
		Short: "CA certificate management",
	}

	caInfoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show CA certificate information",
		RunE:  runCAInfo,
	}
	caInfoCmd.Flags().StringVar(&certDir, "cert-dir", "~/.roo-sniffer", "CA certificate storage directory")

	var outputPath string
	caExportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the CA certificate for installation as a trust root",
		RunE:  runCAExport,
	}
	caExportCmd.Flags().StringVar(&certDir, "cert-dir", "~/.roo-sniffer", "CA certificate storage directory")
	caExportCmd.Flags().StringVarP(&outputPath, "output", "o", "./roo-sniffer-ca.pem", "output file path")

	caCmd.AddCommand(caInfoCmd, caExportCmd)
	rootCmd.AddCommand(startCmd, caCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

func runStart(cmd *cobra.Command, args []string) error {
	log := newLogger()

	config := types.Config{
		ListenPort:    uint16(listenPort),
		LogPath:       logPath,
		WatchDomains:  watchDomains,
		Verbose:       verbose,
		CertDir:       certDir,
		KeyLogPath:    keyLogPath,
		DashboardPort: uint16(dashboardPort),
	}

	caInstance, err := ca.LoadOrInit(config.CertDir)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}

	recordSink, err := sink.New(config.LogPath, config.Verbose, log)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer recordSink.Close()

	var keyLog *mitm.KeyLogWriter
	if config.KeyLogPath != "" {
		keyLog, err = mitm.NewKeyLogWriter(config.KeyLogPath)
		if err != nil {
			return fmt.Errorf("open key log: %w", err)
		}
		defer keyLog.Close()
	}

	watcher := watch.NewMatcher(config.WatchDomains)
	bridge := mitm.NewBridge(caInstance, keyLog, recordSink, config.Verbose, log)
	server := proxy.NewServer(config, bridge, watcher, recordSink, log)

	var hub *dashboard.Hub
	if config.DashboardPort != 0 {
		hub = dashboard.NewHub()
		go hub.Run()
		unsubscribe := recordSink.Subscribe(hub, 256)
		defer unsubscribe()

		handler := dashboard.NewHandler(hub, caInstance.CACertPath())
		mux := http.NewServeMux()
		handler.RegisterRoutes(mux)

		dashAddr := fmt.Sprintf("0.0.0.0:%d", config.DashboardPort)
		dashSrv := &http.Server{Addr: dashAddr, Handler: mux}
		go func() {
			if err := dashSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("dashboard server stopped")
			}
		}()
		defer dashSrv.Close()

		log.WithField("addr", dashAddr).Info("dashboard listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		server.Stop()
	}()

	log.WithFields(logrus.Fields{
		"port":  config.ListenPort,
		"watch": config.WatchDomains,
	}).Info("roosniffer starting")

	return server.Start()
}

func runCAInfo(cmd *cobra.Command, args []string) error {
	caInstance, err := ca.LoadOrInit(certDir)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}

	fmt.Printf("CA certificate: %s\n", caInstance.CACertPath())
	fmt.Printf("Cached leaf certificates: %d\n", caInstance.LeafCount())
	return nil
}

func runCAExport(cmd *cobra.Command, args []string) error {
	caInstance, err := ca.LoadOrInit(certDir)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}

	outputPath, _ := cmd.Flags().GetString("output")

	src, err := os.Open(caInstance.CACertPath())
	if err != nil {
		return fmt.Errorf("open CA cert: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy CA cert: %w", err)
	}

	fmt.Printf("CA certificate exported to: %s\n", outputPath)
	return nil
}
