package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-rpc/agent"
	"agent-rpc/config"
	"agent-rpc/logging"
	"agent-rpc/transport"
	"agent-rpc/zeromq"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	kind := flag.String("transport", "", "stream or zeromq, overrides the config")
	addr := flag.String("addr", "", "stream listen address, overrides the config")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *kind != "" {
		cfg.Transport = *kind
	}
	if *addr != "" {
		cfg.Stream.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, flush, err := logging.Install(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Transport {
	case config.TransportStream:
		err = serveStream(cfg, logger, stop)
	case config.TransportZeroMQ:
		err = serveZeroMQ(cfg, logger, stop)
	}
	if err != nil {
		logger.Error("agent stopped", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

// serveStream accepts consoles until a signal arrives. Each console gets its
// own Agent bound to that connection.
func serveStream(cfg *config.Config, logger *zap.Logger, stop <-chan os.Signal) error {
	srv := transport.NewServer[agent.SupervisorAPI](func(l *transport.Link[agent.SupervisorAPI]) any {
		logger.Info("console connected", zap.Stringer("link", l))
		return agent.New(l.Remote)
	}, agent.NewSupervisorRemote, cfg.StreamOptions(logger)...)

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe(cfg.Stream.Addr) }()

	select {
	case err := <-served:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	}
	return srv.Shutdown(5 * time.Second)
}

// serveZeroMQ binds the command and event sockets and serves one Agent until
// a signal arrives or a console aborts it.
func serveZeroMQ(cfg *config.Config, logger *zap.Logger, stop <-chan os.Signal) error {
	var link *zeromq.Link[agent.SupervisorAPI]
	a := agent.New(func() agent.SupervisorAPI { return link.Remote() })

	link, err := zeromq.NewServer[agent.SupervisorAPI](a, agent.NewSupervisorRemote, cfg.ZeroMQOptions(logger)...)
	if err != nil {
		return err
	}
	if err := link.Open(); err != nil {
		return err
	}
	defer link.Close()

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	case <-a.Aborted():
		logger.Info("aborted by console")
	}
	return nil
}
