// Command starlane runs the session fabric: each service can run as its
// own process, or the whole fabric can run in one with `starlane all`.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"starlane-server/internal/bus"
	"starlane-server/internal/catalog"
	"starlane-server/internal/character"
	"starlane-server/internal/chatter"
	"starlane-server/internal/gateway"
	"starlane-server/internal/metrics"
	"starlane-server/internal/session"
	"starlane-server/internal/system"
	"starlane-server/internal/telemetry"
)

var (
	flagNatsURL    string
	flagAccounts   string
	flagCharacters string
	flagUniverse   string
	flagAddr       string
	flagVerbose    bool
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

// runtime is the shared wiring for one process: one bus connection, one
// metrics registry, one tracer provider.
type runtime struct {
	ctx context.Context
	log zerolog.Logger
	met *metrics.Metrics
	reg *prometheus.Registry
	tel *telemetry.Telemetry
}

func newRuntime(serviceName string) (*runtime, func()) {
	log := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	tel, err := telemetry.New(ctx, serviceName)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		tel = nil
	}

	rt := &runtime{ctx: ctx, log: log, met: met, reg: reg, tel: tel}
	cleanup := func() {
		if tel != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown")
			}
		}
		stop()
	}
	return rt, cleanup
}

func (rt *runtime) connect(name string) (*bus.Client, error) {
	client := bus.NewClient(bus.Config{URL: flagNatsURL, Name: name}, rt.met, rt.log)
	if err := client.Start(rt.ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// runnable is the start/stop surface every service exposes.
type runnable interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

func (rt *runtime) runService(svc runnable) error {
	svc.Start(rt.ctx)
	<-rt.ctx.Done()
	svc.Stop(context.WithoutCancel(rt.ctx))
	return nil
}

func sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Run the session service",
		RunE: func(*cobra.Command, []string) error {
			rt, cleanup := newRuntime("starlane-session")
			defer cleanup()
			accounts, err := catalog.LoadAccounts(flagAccounts)
			if err != nil {
				return err
			}
			client, err := rt.connect("session-service")
			if err != nil {
				return err
			}
			defer client.Stop()
			return rt.runService(session.New(client, accounts, rt.met, rt.log))
		},
	}
}

func characterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "character",
		Short: "Run the character service",
		RunE: func(*cobra.Command, []string) error {
			rt, cleanup := newRuntime("starlane-character")
			defer cleanup()
			roster, err := catalog.LoadCharacters(flagCharacters)
			if err != nil {
				return err
			}
			client, err := rt.connect("character-service")
			if err != nil {
				return err
			}
			defer client.Stop()
			return rt.runService(character.New(client, roster, rt.met, rt.log))
		},
	}
}

func systemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "system",
		Short: "Run the system service",
		RunE: func(*cobra.Command, []string) error {
			rt, cleanup := newRuntime("starlane-system")
			defer cleanup()
			universe, err := catalog.LoadUniverse(flagUniverse)
			if err != nil {
				return err
			}
			client, err := rt.connect("system-service")
			if err != nil {
				return err
			}
			defer client.Stop()
			return rt.runService(system.New(client, universe, rt.met, rt.log))
		},
	}
}

func chatterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chatter",
		Short: "Run the chatter service",
		RunE: func(*cobra.Command, []string) error {
			rt, cleanup := newRuntime("starlane-chatter")
			defer cleanup()
			client, err := rt.connect("chatter-service")
			if err != nil {
				return err
			}
			defer client.Stop()
			return rt.runService(chatter.New(client, rt.met, rt.log))
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the client gateway",
		RunE: func(*cobra.Command, []string) error {
			rt, cleanup := newRuntime("starlane-gateway")
			defer cleanup()
			client, err := rt.connect("gateway")
			if err != nil {
				return err
			}
			defer client.Stop()
			server := gateway.NewServer(gateway.Config{Addr: flagAddr}, client, rt.met, rt.reg, rt.log)
			return server.Run(rt.ctx)
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every service and the gateway in one process",
		RunE: func(*cobra.Command, []string) error {
			rt, cleanup := newRuntime("starlane")
			defer cleanup()

			accounts, err := catalog.LoadAccounts(flagAccounts)
			if err != nil {
				return err
			}
			roster, err := catalog.LoadCharacters(flagCharacters)
			if err != nil {
				return err
			}
			universe, err := catalog.LoadUniverse(flagUniverse)
			if err != nil {
				return err
			}

			// One bus connection per component, like the multi-process
			// deployment.
			services := make([]runnable, 0, 4)
			for _, build := range []struct {
				name string
				make func(*bus.Client) runnable
			}{
				{"system-service", func(c *bus.Client) runnable { return system.New(c, universe, rt.met, rt.log) }},
				{"character-service", func(c *bus.Client) runnable { return character.New(c, roster, rt.met, rt.log) }},
				{"chatter-service", func(c *bus.Client) runnable { return chatter.New(c, rt.met, rt.log) }},
				{"session-service", func(c *bus.Client) runnable { return session.New(c, accounts, rt.met, rt.log) }},
			} {
				client, err := rt.connect(build.name)
				if err != nil {
					return err
				}
				defer client.Stop()
				services = append(services, build.make(client))
			}

			for _, svc := range services {
				svc.Start(rt.ctx)
			}
			defer func() {
				shutdownCtx := context.WithoutCancel(rt.ctx)
				for i := len(services) - 1; i >= 0; i-- {
					services[i].Stop(shutdownCtx)
				}
			}()

			gatewayClient, err := rt.connect("gateway")
			if err != nil {
				return err
			}
			defer gatewayClient.Stop()
			server := gateway.NewServer(gateway.Config{Addr: flagAddr}, gatewayClient, rt.met, rt.reg, rt.log)
			return server.Run(rt.ctx)
		},
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "starlane",
		Short:         "Distributed presence and chatter fabric",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagNatsURL, "nats-url", envOr("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	root.PersistentFlags().StringVar(&flagAccounts, "accounts", envOr("ACCOUNTS_FILE", "accounts.json"), "accounts file")
	root.PersistentFlags().StringVar(&flagCharacters, "characters", envOr("CHARACTERS_FILE", "characters.json"), "characters file")
	root.PersistentFlags().StringVar(&flagUniverse, "universe", envOr("UNIVERSE_FILE", "universe.json"), "universe file")
	root.PersistentFlags().StringVar(&flagAddr, "addr", envOr("GATEWAY_ADDR", ":8080"), "gateway listen address")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(sessionCmd(), characterCmd(), systemCmd(), chatterCmd(), gatewayCmd(), allCmd())
	return root
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		logger := newLogger()
		logger.Fatal().Err(err).Msg("exit")
	}
}
