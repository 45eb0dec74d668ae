package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/workerrpc/agent"
	"github.com/guseggert/workerrpc/internal/config"
	"github.com/guseggert/workerrpc/internal/demo"
	"github.com/guseggert/workerrpc/transport"
	"github.com/guseggert/workerrpc/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "workerrpc-worker",
		Usage: "serves the demo channels to a host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Logs go to stderr.",
				Value: cfg.LogLevel,
			},
			&cli.DurationFlag{
				Name:  "tick-interval",
				Usage: "How often the math channel's events fire.",
				Value: cfg.TickInterval,
			},
			&cli.IntFlag{
				Name:  "replay-window",
				Usage: "How many served request IDs to remember for answering replayed requests.",
				Value: cfg.ReplayWindow,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "stdio",
				Usage:  "serve a single host over stdin and stdout",
				Action: stdio,
			},
			{
				Name:  "serve",
				Usage: "run an mTLS agent that serves a worker session per WebSocket connection",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: cfg.ListenAddr,
					},
					&cli.StringFlag{
						Name:  "cert-dir",
						Usage: "Directory with the CA, server cert, and server key PEM files.",
						Value: cfg.CertDir,
					},
					&cli.DurationFlag{
						Name:  "heartbeat-timeout",
						Usage: "Duration to wait for a heartbeat before giving up. Zero disables the check.",
						Value: cfg.HeartbeatTimeout,
					},
					&cli.StringFlag{
						Name:  "on-heartbeat-failure",
						Usage: "Action to take on a heartbeat failure. One of [exit,none].",
						Value: "none",
					},
				},
				Action: serve,
			},
			{
				Name:      "certs",
				Usage:     "generate a CA and agent certificates",
				ArgsUsage: "DIR",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected exactly one directory argument", 2)
					}
					certs, err := agent.GenerateCerts()
					if err != nil {
						return err
					}
					return agent.WriteCerts(c.Args().First(), certs)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupFunc(c *cli.Context, log *zap.SugaredLogger) agent.SetupFunc {
	interval := c.Duration("tick-interval")
	return func(ctx context.Context, sessionID string, s *worker.Server) error {
		return demo.Register(s, demo.WithLogger(log.With("SessionID", sessionID)), demo.WithTickInterval(interval))
	}
}

func serverOptions(c *cli.Context, log *zap.SugaredLogger) []worker.Option {
	return []worker.Option{
		worker.WithReplayWindow(c.Int("replay-window")),
		worker.WithOnInitialize(func(ctx context.Context, id int, data any) error {
			log.Infow("host connected", "WorkerID", id, "InitData", data)
			return nil
		}),
	}
}

func stdio(c *cli.Context) error {
	log, err := config.NewLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := worker.NewServer(transport.Stdio(), append(serverOptions(c, log), worker.WithLogger(log))...)
	defer server.Close()
	if err := setupFunc(c, log)(ctx, "stdio", server); err != nil {
		return fmt.Errorf("registering channels: %w", err)
	}
	return server.Serve(ctx)
}

func serve(c *cli.Context) error {
	log, err := config.NewLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer log.Sync()

	certs, err := agent.ReadCerts(c.String("cert-dir"))
	if err != nil {
		return err
	}

	var heartbeatFailureHandler func()
	switch onHeartbeatFailure := c.String("on-heartbeat-failure"); onHeartbeatFailure {
	case "exit":
		heartbeatFailureHandler = agent.HeartbeatFailureExit
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
	}

	a, err := agent.NewWorkerAgent(
		certs,
		agent.WithLogger(log.Desugar()),
		agent.WithListenAddr(c.String("listen-addr")),
		agent.WithHeartbeatTimeout(c.Duration("heartbeat-timeout")),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
		agent.WithSetup(setupFunc(c, log)),
		agent.WithServerOptions(serverOptions(c, log)...),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		done := make(chan struct{})
		go func() {
			a.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-stopCtx.Done():
			log.Warn("timed out stopping agent")
		}
	}()

	return a.Run()
}
