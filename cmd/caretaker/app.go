package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"gotchi-caretaker/internal/agent"
	"gotchi-caretaker/internal/api"
	"gotchi-caretaker/internal/config"
	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/internal/observability/alerting"
	"gotchi-caretaker/internal/observability/metrics"
	"gotchi-caretaker/internal/subgraph"
	"gotchi-caretaker/internal/tracing"
	"gotchi-caretaker/internal/trigger"
	"gotchi-caretaker/internal/web3/ethereum"
	"gotchi-caretaker/internal/web3/identity"
	"gotchi-caretaker/pkg/client"
	"gotchi-caretaker/pkg/logger"
)

const configEnv = "CARETAKER_CONFIG"

func newApp() *cli.App {
	return &cli.App{
		Name:  "caretaker",
		Usage: "pet every owned gotchi whose cooldown has elapsed in one batched transaction",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{configEnv},
			},
			urlFlag(),
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "perform one care run and exit",
				Flags:  []cli.Flag{dryRunFlag(), urlFlag()},
				Action: runCommand,
			},
			{
				Name:  "daemon",
				Usage: "run on a schedule and serve health, metrics and manual triggers",
				Flags: []cli.Flag{
					dryRunFlag(),
					urlFlag(),
					&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides daemon.address)"},
				},
				Action: daemonCommand,
			},
			{
				Name:  "trigger",
				Usage: "ask a running daemon for a care run through the shared queue",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Value: trigger.ReasonManual, Usage: "reason recorded with the trigger"},
					&cli.StringFlag{Name: "api", Usage: "daemon base URL; when set the trigger goes through its HTTP API"},
				},
				Action: triggerCommand,
			},
			{
				Name:  "status",
				Usage: "show the last run reported by a daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "api", Value: "http://localhost:9090", Usage: "daemon base URL"},
				},
				Action: statusCommand,
			},
			{
				Name:   "address",
				Usage:  "print the wallet address derived from the secret phrase",
				Action: addressCommand,
			},
		},
	}
}

func dryRunFlag() cli.Flag {
	return &cli.BoolFlag{Name: "dry-run", Usage: "compute and log the batch without sending a transaction"}
}

func urlFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "url",
		Usage: "JSON-RPC endpoint of the chain node",
		Value: config.DefaultRPCURL,
	}
}

// urlOverride 返回离当前命令最近、被显式设置的 --url。
// 根命令与子命令都定义了 url，c.String 只会看到最近一层的默认值。
func urlOverride(c *cli.Context) (string, bool) {
	for _, lc := range c.Lineage() {
		if lc.App == nil {
			continue
		}
		for _, name := range lc.LocalFlagNames() {
			if name == "url" {
				return lc.String("url"), true
			}
		}
	}
	return "", false
}

// loadConfig 读取配置文件并应用命令行覆盖，然后初始化日志。
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "load configuration")
	}
	if rpcURL, ok := urlOverride(c); ok {
		cfg.Chain.RPCURL = rpcURL
	} else if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = config.DefaultRPCURL
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "initialise logger")
	}
	return cfg, nil
}

func deriveIdentity(cfg *config.Config) (*identity.Identity, error) {
	phrase, err := config.LoadSecret(cfg.Secret)
	if err != nil {
		return nil, xerrors.Wrap(identity.CodeInvalidSeed, err, "load secret phrase")
	}
	return identity.DeriveAt(phrase, cfg.Care.DerivationIndex)
}

func loadTarget(cfg *config.Config, dryRun bool) (agent.Target, error) {
	contract, err := cfg.Chain.Contract()
	if err != nil {
		return agent.Target{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "contract address")
	}
	target := agent.Target{EndpointURL: cfg.Chain.RPCURL, Contract: contract}
	if dryRun {
		return target, nil
	}
	raw, err := os.ReadFile(cfg.Chain.ABIPath)
	if err != nil {
		return agent.Target{}, xerrors.Wrap(ethereum.CodeInterfaceResolution, err, "read contract interface")
	}
	iface, err := ethereum.ParseInterface(string(raw))
	if err != nil {
		return agent.Target{}, err
	}
	if _, err := ethereum.ResolveInteract(iface); err != nil {
		return agent.Target{}, err
	}
	target.Interface = iface
	return target, nil
}

func buildAgent(cfg *config.Config, dryRun bool, recorder *metrics.Recorder) (*agent.Agent, error) {
	id, err := deriveIdentity(cfg)
	if err != nil {
		return nil, err
	}
	target, err := loadTarget(cfg, dryRun)
	if err != nil {
		return nil, err
	}

	source := subgraph.NewClient(subgraph.Config{
		URL:     cfg.Subgraph.URL,
		First:   cfg.Subgraph.First,
		Timeout: cfg.Subgraph.Timeout(),
	})
	submitter := ethereum.NewSubmitter(
		ethereum.WithConfirmations(cfg.Chain.Confirmations),
		ethereum.WithConfirmationTimeout(cfg.Chain.ConfirmationTimeout()),
		ethereum.WithPollInterval(cfg.Chain.PollInterval()),
		ethereum.WithGasLimit(cfg.Chain.GasLimit),
	)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL,
			time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}

	return agent.New(id, source, submitter, target,
		agent.WithCooldown(cfg.Care.CooldownSeconds),
		agent.WithMinBatchSize(cfg.Care.MinBatchSize),
		agent.WithMinRarity(cfg.Subgraph.MinRarity),
		agent.WithTracer(tracing.Tracer("gotchi-caretaker/agent")),
		agent.WithMetrics(recorder),
		agent.WithAlerts(alerting.NewFanout(notifiers...)),
		agent.WithDryRun(dryRun),
	), nil
}

func startTracing(ctx context.Context, cfg *config.Config) func() {
	shutdown, err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.L().Warn("tracing disabled", slog.Any("error", err))
		return func() {}
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer startTracing(c.Context, cfg)()

	ag, err := buildAgent(cfg, c.Bool("dry-run"), nil)
	if err != nil {
		return err
	}
	result, err := ag.Run(c.Context)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func daemonCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer startTracing(c.Context, cfg)()

	recorder := metrics.New()
	ag, err := buildAgent(cfg, c.Bool("dry-run"), recorder)
	if err != nil {
		return err
	}

	queue, err := trigger.Open(c.Context, cfg.Daemon.Queue)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open trigger queue")
	}
	defer queue.Close()

	addr := cfg.Daemon.Address
	if c.IsSet("listen") {
		addr = c.String("listen")
	}
	processor := trigger.NewProcessor(ag, queue)
	scheduler := trigger.NewScheduler(queue, cfg.Daemon.Interval())
	server := api.NewServer(addr, queue, processor, recorder)

	logger.L().Info("daemon started",
		slog.String("queue", cfg.Daemon.Queue.Driver),
		slog.Duration("interval", cfg.Daemon.Interval()),
		slog.String("addr", addr),
	)

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error { return processor.Start(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("daemon stopped")
	return nil
}

func triggerCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if c.IsSet("api") {
		daemon, err := client.New(c.String("api"), nil)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "daemon url")
		}
		t, err := daemon.RequestRun(c.Context, c.String("reason"))
		if err != nil {
			return xerrors.Wrap(trigger.CodeTriggerPublish, err, "request run")
		}
		fmt.Fprintln(c.App.Writer, t.ID)
		return nil
	}
	if cfg.Daemon.Queue.Driver == "memory" {
		return xerrors.New(xerrors.CodeInvalidArgument, "trigger needs --api or a redis/rabbitmq queue shared with the daemon")
	}
	queue, err := trigger.Open(c.Context, cfg.Daemon.Queue)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open trigger queue")
	}
	defer queue.Close()

	t := trigger.New(c.String("reason"), time.Now())
	if err := queue.Publish(c.Context, t); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, t.ID)
	return nil
}

func statusCommand(c *cli.Context) error {
	daemon, err := client.New(c.String("api"), nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "daemon url")
	}
	status, err := daemon.LastRun(c.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func addressCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	id, err := deriveIdentity(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %s\n", id.Address().Hex(), id.Path())
	return nil
}

// describe 在错误信息前标出失败的环节。
func describe(err error) error {
	stage := xerrors.StageOf(err)
	if stage == xerrors.StageUnknown {
		return err
	}
	return fmt.Errorf("%s stage failed: %w", stage, err)
}
