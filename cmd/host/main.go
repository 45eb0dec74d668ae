package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/workerrpc/agent"
	"github.com/guseggert/workerrpc/event"
	"github.com/guseggert/workerrpc/internal/config"
	"github.com/guseggert/workerrpc/internal/files"
	inet "github.com/guseggert/workerrpc/internal/net"
	"github.com/guseggert/workerrpc/protocol"
	"github.com/guseggert/workerrpc/transport"
	"github.com/guseggert/workerrpc/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// workerBinaryName is looked up in the working directory and its parents when neither --exec nor --agent is set.
const workerBinaryName = "workerrpc-worker"

func main() {
	cfg, err := config.LoadHost()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "workerrpc-host",
		Usage: "calls into a worker's channels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Logs go to stderr.",
				Value: cfg.LogLevel,
			},
			&cli.StringFlag{
				Name:  "exec",
				Usage: "Path of a worker binary to spawn, speaking over its stdin and stdout.",
				Value: cfg.WorkerBinary,
			},
			&cli.StringFlag{
				Name:  "agent",
				Usage: "HOST:PORT of a worker agent to connect to instead of spawning a worker.",
				Value: cfg.AgentAddr,
			},
			&cli.StringFlag{
				Name:  "cert-dir",
				Usage: "Directory with the CA, client cert, and client key PEM files, for --agent.",
				Value: cfg.CertDir,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the worker.",
				Value: cfg.Timeout,
			},
			&cli.StringFlag{
				Name:  "init-data",
				Usage: "JSON value passed to the worker's initialize method.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "call a method and print its result as JSON",
				ArgsUsage: "CHANNEL METHOD [ARG...]",
				Action:    call,
			},
			{
				Name:      "watch",
				Usage:     "subscribe to an event and print each firing as a JSON line",
				ArgsUsage: "CHANNEL EVENT",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "arg",
						Usage: "JSON argument of a dynamic event.",
					},
					&cli.IntFlag{
						Name:  "count",
						Usage: "Stop after this many firings. Zero watches until interrupted.",
					},
				},
				Action: watch,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// parseArg decodes a command line argument as JSON, falling back to the plain string.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// session is a connected, initialized worker client.
type session struct {
	log    *zap.SugaredLogger
	client *worker.Client
	agent  *agent.Client
}

func (s *session) Close() {
	s.client.Dispose()
	if s.agent != nil {
		s.agent.StopHeartbeat()
	}
	_ = s.log.Sync()
}

func connect(ctx context.Context, c *cli.Context, log *zap.SugaredLogger) (*session, error) {
	sess := &session{log: log}
	var conn worker.Conn
	switch {
	case c.String("agent") != "":
		host, port, err := inet.SplitHostPort(c.String("agent"))
		if err != nil {
			return nil, err
		}
		certs, err := agent.ReadCerts(c.String("cert-dir"))
		if err != nil {
			return nil, err
		}
		agentClient, err := agent.NewClient(log, certs, host, port)
		if err != nil {
			return nil, err
		}
		if err := agentClient.WaitForServer(ctx); err != nil {
			return nil, fmt.Errorf("waiting for agent: %w", err)
		}
		wsConn, err := agentClient.DialWorker(ctx)
		if err != nil {
			return nil, err
		}
		agentClient.StartHeartbeat()
		sess.agent = agentClient
		conn = wsConn
	default:
		bin := c.String("exec")
		if bin == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			bin, err = files.FindUp(workerBinaryName, wd)
			if err != nil {
				return nil, err
			}
			if bin == "" {
				return nil, fmt.Errorf("no --exec or --agent given, and no %s binary found", workerBinaryName)
			}
		}
		// the child lives until the client is disposed, not just until ctx is done
		procConn, err := transport.StartProcess(context.Background(), transport.ProcessRequest{
			Command: bin,
			Args:    []string{"--log-level", c.String("log-level"), "stdio"},
			Stderr:  os.Stderr,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		conn = procConn
	}

	opts := []worker.Option{worker.WithLogger(log)}
	if s := c.String("init-data"); s != "" {
		opts = append(opts, worker.WithInitData(parseArg(s)))
	}
	sess.client = worker.NewClient(worker.New(conn, worker.WithLogger(log)), opts...)
	if err := sess.client.Ready(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("initializing worker: %w", err)
	}
	return sess, nil
}

func start(c *cli.Context) (context.Context, context.CancelFunc, *session, error) {
	if c.NArg() < 2 {
		return nil, nil, nil, cli.Exit(fmt.Sprintf("usage: %s %s", c.Command.Name, c.Command.ArgsUsage), 2)
	}
	log, err := config.NewLogger(c.String("log-level"))
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	connectCtx, connectCancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer connectCancel()
	sess, err := connect(connectCtx, c, log)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, sess, nil
}

func call(c *cli.Context) error {
	ctx, cancel, sess, err := start(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer sess.Close()

	channel, method := c.Args().Get(0), c.Args().Get(1)
	args := []any{}
	for _, a := range c.Args().Slice()[2:] {
		args = append(args, parseArg(a))
	}

	ctx, timeoutCancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer timeoutCancel()
	res, err := sess.client.GetChannel(channel).Call(ctx, method, args...)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

func watch(c *cli.Context) error {
	ctx, cancel, sess, err := start(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer sess.Close()

	channel, name := c.Args().Get(0), c.Args().Get(1)
	proxy := sess.client.GetChannel(channel)

	var ev event.Event[any]
	switch protocol.Classify(name) {
	case protocol.MemberEvent:
		ev, err = proxy.Event(name)
	case protocol.MemberDynamicEvent:
		var arg any
		if s := c.String("arg"); s != "" {
			arg = parseArg(s)
		}
		ev, err = proxy.DynamicEvent(name, arg)
	default:
		return fmt.Errorf("%q is not an event name", name)
	}
	if err != nil {
		return err
	}

	count := c.Int("count")
	firings := make(chan any, 16)
	sub := ev(func(v any) {
		select {
		case firings <- v:
		case <-ctx.Done():
		}
	})
	defer sub.Dispose()

	enc := json.NewEncoder(os.Stdout)
	for seen := 0; count == 0 || seen < count; seen++ {
		select {
		case v := <-firings:
			if err := enc.Encode(v); err != nil {
				return err
			}
		case <-sess.client.Worker().Done():
			return fmt.Errorf("worker connection ended")
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
