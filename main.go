package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/connectproxy/internal/config"
	"github.com/die-net/connectproxy/internal/conn"
	"github.com/die-net/connectproxy/internal/dialer"
	"github.com/die-net/connectproxy/internal/proxy"
	"github.com/die-net/connectproxy/internal/record"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = ""

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string

	cmd := &cobra.Command{
		Use:           "connectproxy",
		Short:         "Forward HTTP proxy with CONNECT tunnelling",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				file, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg.Merge(cmd.Flags(), file)
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return run(cmd.Context(), &cfg, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.SortFlags = false
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file; explicit flags override it")
	config.BindFlags(fs, &cfg)

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the connectproxy version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "connectproxy", buildVersion())
		},
	}
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ka := cfg.KeepAlive()

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          ka,
		NoUpstream:         cfg.NoUpstream,
		SSHKeyPath:         cfg.SSHKey,
		SSHKnownHostsPath:  cfg.SSHKnownHosts,
		Logger:             logger.Named("dialer"),
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}
	if c, ok := d.(io.Closer); ok {
		defer c.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorders := record.Multi{record.NewLogRecorder(logger.Named("session"))}
	if cfg.Record.MongoURI != "" {
		cctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		mr, err := record.NewMongoRecorder(cctx, record.MongoConfig{
			URI:           cfg.Record.MongoURI,
			Database:      cfg.Record.Database,
			Collection:    cfg.Record.Collection,
			FlushInterval: cfg.Record.FlushInterval,
		}, logger.Named("record"))
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mr.Close(sctx); err != nil {
				logger.Warn("closing session recorder", zap.Error(err))
			}
		}()
		recorders = append(recorders, mr)
	}

	ln, err := conn.ListenTCP(ctx, "tcp", cfg.Listen, conn.ListenOptions{KeepAlive: ka, ReusePort: cfg.ReusePort})
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}

	srv := proxy.NewServer(proxy.Config{
		Dialer:             d,
		NegotiationTimeout: cfg.NegotiationTimeout,
		HTTPIdleTimeout:    cfg.HTTPIdleTimeout,
		TunnelIdleTimeout:  cfg.TunnelIdleTimeout,
		UserAgent:          cfg.UserAgent,
		KeepUserAgent:      cfg.KeepUserAgent,
		Logger:             logger.Named("proxy"),
		Recorder:           recorders,
	})

	g, gctx := errgroup.WithContext(ctx)
	context.AfterFunc(gctx, func() {
		_ = srv.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, proxy.ErrServerClosed) {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})

	logger.Info("proxy listening",
		zap.String("listen", ln.Addr().String()),
		zap.String("upstream", redactURL(cfg.Upstream)),
		zap.String("user_agent", cfg.UserAgent),
	)
	proxyURL := clientProxyURL(ln.Addr())
	fmt.Fprintf(out, "Proxy listening on %s\n", ln.Addr())
	fmt.Fprintf(out, "Set these in the client environment:\n  export HTTP_PROXY=%s\n  export HTTPS_PROXY=%s\n", proxyURL, proxyURL)

	err = g.Wait()
	logger.Info("proxy stopped")
	return err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// clientProxyURL is the proxy URL a local client should use; wildcard
// listen addresses become loopback.
func clientProxyURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return "(invalid)"
	}
	return u.Redacted()
}
