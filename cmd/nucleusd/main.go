// nucleusd runs one protection domain of the nucleus runtime: the
// privileged system domain with --system, an ordinary worker domain
// otherwise.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/esiop"
	"github.com/auriga-os/nucleus/orb"
)

func main() {
	var (
		cfg      = orb.DefaultORBConfig()
		listen   string
		logLevel string
	)

	root := &cobra.Command{
		Use:   "nucleusd",
		Short: "nucleus protection-domain runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := zap.NewProductionConfig()
			if err := logCfg.Level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log, err := logCfg.Build()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return run(cfg, listen, log)
		},
	}

	flags := root.Flags()
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "scheduler worker pool size")
	flags.Int64Var(&cfg.MaxInFlight, "max-inflight", cfg.MaxInFlight, "in-flight incoming request cap")
	flags.Uint32Var(&cfg.DomainID, "domain-id", 1, "protection-domain id within the system domain")
	flags.BoolVar(&cfg.SystemDomain, "system", false, "run as the privileged system domain")
	flags.StringVar(&listen, "listen", "", "IIOP listen address (host:port), empty to disable")
	flags.StringVar(&logLevel, "log-level", "info", "zap log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg orb.Config, listen string, log *zap.Logger) error {
	o := orb.Init(cfg, log)
	orb.RegisterIIOP(o)

	bus := esiop.NewBus()
	po, err := esiop.NewPostOffice(o, bus, log.Named("esiop"))
	if err != nil {
		return err
	}
	defer po.Close()

	if listen != "" {
		server, err := orb.ListenIIOP(o, listen)
		if err != nil {
			return err
		}
		defer func() { _ = server.Close() }()
		log.Info("IIOP listening", zap.String("addr", server.Addr().String()))
	}

	// Resolve the initial services so the domain is ready to serve.
	err = o.RunSync(core.DeadlineIn(core.CrossDomainDeadline), func(ed *core.ExecDomain) error {
		for _, name := range o.Services().Names() {
			if _, err := o.ResolveInitialReferences(ed, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("domain running",
		zap.Uint32("domain", cfg.DomainID),
		zap.Bool("system", cfg.SystemDomain))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	o.Shutdown(false)
	return nil
}
