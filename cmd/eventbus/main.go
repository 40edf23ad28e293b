package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	eventbus "github.com/glimte/eventbus-go"
	"github.com/glimte/eventbus-go/config"
	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/health"
	"github.com/glimte/eventbus-go/logging"
	"github.com/glimte/eventbus-go/metrics"
	"github.com/glimte/eventbus-go/subscription"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	url        string
	exchange   string
	queue      string
	logLevel   string
	overrides  []string
}

func (g *globalFlags) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configFile, "config", "c", "", "Config file (YAML or JSON)")
	flags.StringVarP(&g.url, "url", "u", "", "RabbitMQ connection URL")
	flags.StringVarP(&g.exchange, "exchange", "e", "", "Exchange events are published to")
	flags.StringVarP(&g.queue, "queue", "q", "", "Queue subscriptions bind to")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringArrayVar(&g.overrides, "set", nil, "Override a config key, e.g. --set publish-retries=3")
}

// load resolves the configuration: file and environment first, then
// key=value overrides, then explicit flags
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	overrides := append([]string(nil), g.overrides...)
	flags := cmd.Flags()
	if flags.Changed("url") {
		overrides = append(overrides, config.KeyURL+"="+g.url)
	}
	if flags.Changed("exchange") {
		overrides = append(overrides, config.KeyExchange+"="+g.exchange)
	}
	if flags.Changed("queue") {
		overrides = append(overrides, config.KeyQueue+"="+g.queue)
	}
	if flags.Changed("log-level") {
		overrides = append(overrides, config.KeyLogLevel+"="+g.logLevel)
	}

	cfg, err := config.Load(g.configFile, overrides)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "eventbus",
		Short: "Publish and listen to events on a RabbitMQ event bus",
		Long: `eventbus publishes events to a direct exchange, routed by event name,
and listens to events through a durable queue bound per event name.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	g.register(rootCmd)

	rootCmd.AddCommand(
		newPublishCommand(g),
		newListenCommand(g),
		newVersionCommand(),
	)
	return rootCmd
}

func newPublishCommand(g *globalFlags) *cobra.Command {
	var (
		eventName string
		data      string
		count     int
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a JSON event",
		Example: `  eventbus publish --event OrderCreated --data '{"orderId":"42"}'
  eventbus publish --event OrderCreated --data '{}' --count 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventName == "" {
				return errors.New("--event is required")
			}
			if count < 1 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}

			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			client, err := eventbus.NewClientFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()

			for i := 0; i < count; i++ {
				event := contracts.NewRawEvent(eventName, []byte(data))
				if err := client.Publish(ctx, event); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", eventName, event.GetID())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventName, "event", "", "Event name, used as routing key")
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "Event body, a JSON object")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of events to publish")
	return cmd
}

func newListenCommand(g *globalFlags) *cobra.Command {
	var (
		eventNames  []string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Log events as they arrive, serving metrics and health endpoints",
		Example: `  eventbus listen --event OrderCreated --event OrderCancelled --queue audit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(eventNames) == 0 {
				return errors.New("at least one --event is required")
			}

			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddress = metricsAddr
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			if _, err := maxprocs.Set(maxprocs.Logger(logger.Debugf)); err != nil {
				logger.WithError(err).Warn("Could not set GOMAXPROCS")
			}

			collector := metrics.NewPrometheusCollector()
			client, err := eventbus.NewClientFromConfig(cfg, eventbus.WithLogger(logger), eventbus.WithMetrics(collector))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()

			handler := listenHandler(logger)
			for _, name := range eventNames {
				if err := client.Subscribe(ctx, subscription.Raw(name, "eventbus-listen", handler)); err != nil {
					return err
				}
			}

			server := newServer(cfg.MetricsAddress, collector, client.Health())
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("Metrics server stopped")
				}
			}()

			logger.WithField("address", cfg.MetricsAddress).Info("Listening for events. Press Ctrl+C to stop")
			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringArrayVar(&eventNames, "event", nil, "Event name to listen to (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address serving /metrics, /healthz, /readyz and /livez")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventbus %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		},
	}
}

func listenHandler(logger logrus.FieldLogger) contracts.EventHandler {
	return contracts.EventHandlerFunc(func(ctx context.Context, event contracts.Event) error {
		raw, ok := event.(*contracts.RawEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		logger.WithFields(logrus.Fields{
			"eventName":    raw.Name,
			"eventId":      raw.GetID(),
			"creationDate": raw.GetCreationDate(),
		}).Info(string(raw.Data))
		return nil
	})
}

func newServer(addr string, collector *metrics.PrometheusCollector, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	health.Mount(mux, registry)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
