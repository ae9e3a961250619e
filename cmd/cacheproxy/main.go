package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"

	"github.com/skipor/cacheproxy"
	"github.com/skipor/cacheproxy/client"
	"github.com/skipor/cacheproxy/cmd/cacheproxy/config"
	"github.com/skipor/cacheproxy/internal/tag"
	"github.com/skipor/cacheproxy/log"
)

const usage = `Caching proxy for newline delimited JSON request/response servers.

Config values merge rules:
1) config file value overrides default
2) command line value overrides any`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	ConfigPath string
	config.Config
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "cacheproxy",
		Short:        "Caching proxy for newline delimited JSON servers",
		Long:         usage,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), conf)
		},
	}

	def := config.Default()
	withDefault := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	fl := cmd.Flags()
	fl.StringVar(&f.ConfigPath, "config", "", "path to YAML config")
	fl.StringVar(&f.ListenHost, "listen-host", "", withDefault("host address to bind", def.ListenHost))
	fl.IntVar(&f.ListenPort, "listen-port", 0, withDefault("port to bind", def.ListenPort))
	fl.StringVar(&f.ServerHost, "server-host", "", withDefault("backend host", def.ServerHost))
	fl.IntVar(&f.ServerPort, "server-port", 0, withDefault("backend port", def.ServerPort))
	fl.IntVar(&f.CacheSize, "cache-size", 0, withDefault("max number of cached results", def.CacheSize))
	fl.StringVar(&f.MaxMessageSize, "max-message-size", "", withDefault("max message size: 1m, 64k", def.MaxMessageSize))
	fl.StringVar(&f.DialTimeout, "dial-timeout", "", withDefault("backend dial timeout", def.DialTimeout))
	fl.StringVar(&f.ReadTimeout, "read-timeout", "", withDefault("backend response timeout, 0 disables", def.ReadTimeout))
	fl.StringVar(&f.StatsInterval, "stats-interval", "", withDefault("statistics log interval, 0 disables", def.StatsInterval))
	fl.StringVar(&f.LogDestination, "log-destination", "", withDefault("log destination: stderr, stdout or file path", def.LogDestination))
	fl.StringVar(&f.LogLevel, "log-level", "", withDefault("log level: debug, info, warn, error, fatal", def.LogLevel))

	cmd.AddCommand(
		newDefaultConfigCmd(),
		newRequestCmd(),
	)
	return cmd
}

// loadConfig reads config file if any, and returns it merged with default and flags.
func loadConfig(f flags) (cacheproxy.Config, error) {
	conf := config.Default()
	if f.ConfigPath != "" {
		data, err := os.ReadFile(f.ConfigPath)
		if err != nil {
			return cacheproxy.Config{}, stackerr.Newf("Config file read error: %v", err)
		}
		var fileConf config.Config
		err = config.Unmarshal(data, &fileConf)
		if err != nil {
			return cacheproxy.Config{}, stackerr.Newf("Config parse error: %v", err)
		}
		config.Merge(conf, &fileConf)
	}
	config.Merge(conf, &f.Config)
	return config.Parse(*conf)
}

func serve(ctx context.Context, conf cacheproxy.Config) error {
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)
	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and large perfomance overhead.")
	}
	s, err := cacheproxy.NewServer(l, conf)
	if err != nil {
		l.Error("Server init error: ", err)
		return err
	}
	s.Metrics = cacheproxy.NewMetrics(metrics.NewRegistry())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if conf.StatsInterval > 0 {
		go logStats(ctx, l, s.Metrics.Registry, conf.StatsInterval)
	}

	err = s.ListenAndServe(ctx)
	if err == context.Canceled {
		l.Info("Graceful shutdown finished.")
		if conf.StatsInterval > 0 {
			writeStats(l, s.Metrics.Registry)
		}
		return nil
	}
	l.Error("Serve error: ", err)
	return err
}

func logStats(ctx context.Context, l log.Logger, r metrics.Registry, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			writeStats(l, r)
		}
	}
}

func writeStats(l log.Logger, r metrics.Registry) {
	buf := &bytes.Buffer{}
	metrics.WriteOnce(r, buf)
	l.Info("Stats:\n", buf.String())
}

func newDefaultConfigCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "default-config",
		Short: "Print default YAML config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data := config.Marshal(config.Default())
			if output == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0666)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write config to file instead of stdout")
	return cmd
}

func newRequestCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		quit    bool
	)
	cmd := &cobra.Command{
		Use:   "request [JSON]",
		Short: "Send one request line and print response line. Request is read from stdin, if not passed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req string
			if len(args) == 1 {
				req = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				req = string(data)
			}
			req = strings.TrimSpace(req)

			c, err := client.Dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			c.Timeout = timeout
			res, err := c.DoRaw([]byte(req))
			if err != nil {
				c.Close()
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(res))
			if quit {
				return c.Quit()
			}
			return c.Close()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&addr, "addr", "127.0.0.1:5554", "proxy address")
	fl.DurationVar(&timeout, "timeout", cacheproxy.DefaultReadTimeout, "response wait timeout, 0 disables")
	fl.BoolVar(&quit, "quit", true, "send close message before disconnect")
	return cmd
}
