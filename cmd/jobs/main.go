// Package main runs DevVelocity's periodic jobs.
//
// Deployed, it is a Lambda function invoked by EventBridge with a
// scheduler.Payload. For development it can also run a single task and exit
// (-task) or keep every task on a cron schedule in-process (-local).
//
// Usage:
//
//	jobs -task cycle_rollover [-reference-time 2026-03-01T00:00:00Z]
//	jobs -local
//	jobs -list
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"devvelocity/internal/billing"
	"devvelocity/internal/config"
	"devvelocity/internal/db"
	"devvelocity/internal/export"
	"devvelocity/internal/external"
	"devvelocity/internal/plans"
	"devvelocity/internal/queue"
	"devvelocity/internal/scheduler"
	"devvelocity/internal/types"
	"devvelocity/internal/usage"
)

// defaultSchedules are the UTC cron specs used by -local. They mirror the
// EventBridge rules of the deployed function.
var defaultSchedules = map[scheduler.TaskType]string{
	scheduler.TaskSeatOverage:   "0 3 1 * *",
	scheduler.TaskCycleRollover: "5 * * * *",
	scheduler.TaskCapAlerts:     "0 9 * * *",
	scheduler.TaskUsageExport:   "30 0 * * *",
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	local         bool
	task          string
	referenceTime string
	list          bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	fs.BoolVar(&o.local, "local", false, "run every task in-process on its cron schedule")
	fs.StringVar(&o.task, "task", "", "run one task and exit")
	fs.StringVar(&o.referenceTime, "reference-time", "", "RFC3339 time used as \"now\" with -task")
	fs.BoolVar(&o.list, "list", false, "list tasks and their local schedules")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.referenceTime != "" && o.task == "" {
		return o, fmt.Errorf("-reference-time requires -task")
	}
	return o, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.list {
		printTasks(os.Stdout)
		return nil
	}

	var payload scheduler.Payload
	if opts.task != "" {
		if payload, err = buildPayload(opts.task, opts.referenceTime); err != nil {
			return err
		}
	}

	ctx := context.Background()
	cfg, err := config.LoadConfig(config.NewSSMProvider(regionFromEnv()))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel).With("component", "jobs")
	slog.SetDefault(logger)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	in := jobInfra{conn: pool, emails: queue.LogQueue{Logger: logger}}
	if useAWS(cfg) {
		awsCfg, err := cfg.AWS.LoadAWS(ctx)
		if err != nil {
			return err
		}
		in.metrics = scheduler.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
		if cfg.Email.QueueURL != "" {
			in.emails = queue.NewEmailPublisher(sqs.NewFromConfig(awsCfg), cfg.Email.QueueURL, logger)
		}
		if cfg.AWS.ExportBucket != "" {
			in.objects = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				o.UsePathStyle = cfg.AWS.EndpointURL != ""
			})
		}
	}

	runner := buildRunner(cfg, in, logger)

	switch {
	case opts.local:
		return runLocal(runner, defaultSchedules, logger)
	case opts.task != "":
		res, err := runner.Run(ctx, payload)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(res)
	default:
		lambda.Start(runner.Run)
		return nil
	}
}

// useAWS reports whether AWS clients should be built. Local runs without
// an endpoint override have no credentials to use.
func useAWS(cfg *config.Config) bool {
	return cfg.Environment != "local" || cfg.AWS.EndpointURL != ""
}

// jobInfra carries the connections buildRunner wires. metrics and objects
// may be nil.
type jobInfra struct {
	conn    dbConn
	emails  types.EmailQueue
	metrics scheduler.JobMetrics
	objects export.ObjectPutter
}

// dbConn is satisfied by *pgxpool.Pool.
type dbConn interface {
	db.DBTX
	db.TxBeginner
}

func buildRunner(cfg *config.Config, in jobInfra, logger *slog.Logger) *scheduler.Runner {
	catalog := plans.MustDefault()
	clock := types.RealClock{}

	orgs := db.NewOrganizationRepository(in.conn)
	members := db.NewMemberRepository(in.conn)
	usageLogs := db.NewUsageLogRepository(in.conn)
	billingEvents := db.NewBillingEventRepository(in.conn)

	var invoices billing.InvoiceItemCreator
	if cfg.Stripe.Enabled() {
		invoices = external.NewStripeClient(external.NewHTTPClient(), external.StripeConfig{
			SecretKey: cfg.Stripe.SecretKey.Unmask(),
			Prices:    cfg.Stripe.Prices(),
			Logger:    logger,
		})
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; seat overage is recorded but not invoiced")
	}

	set := scheduler.JobSet{
		SeatOverage: billing.NewSeatOverage(orgs, billingEvents, invoices, catalog, clock, logger),
		Orgs:        orgs,
		Usage:       usage.NewService(orgs, usageLogs, catalog, clock, logger),
		Members:     members,
		Emails:      in.emails,
		Logger:      logger,
	}
	if in.objects != nil {
		set.Exporter = export.NewS3Exporter(in.objects, cfg.AWS.ExportBucket, usageLogs, logger)
	}

	deps := scheduler.RunnerDeps{
		Jobs:     set.Build(),
		Locks:    db.NewJobLockRepository(in.conn, clock),
		History:  db.NewJobRunRepository(in.conn, clock),
		Metrics:  in.metrics,
		WorkerID: "jobs-" + uuid.NewString(),
		Clock:    clock,
		Logger:   logger,
	}
	return scheduler.NewRunner(deps)
}

// buildPayload validates the -task and -reference-time flags.
func buildPayload(task, refTime string) (scheduler.Payload, error) {
	t, err := scheduler.ParseTask(task)
	if err != nil {
		return scheduler.Payload{}, err
	}
	p := scheduler.Payload{Task: t}
	if refTime != "" {
		ts, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return scheduler.Payload{}, fmt.Errorf("invalid -reference-time %q: %w", refTime, err)
		}
		ts = ts.UTC()
		p.ReferenceTime = &ts
	}
	return p, nil
}

// taskRunner is satisfied by *scheduler.Runner.
type taskRunner interface {
	Run(ctx context.Context, p scheduler.Payload) (scheduler.Result, error)
}

// newCron creates a UTC scheduler with one entry per task in schedules.
// Overlapping runs of one task are skipped; the Runner's lock also guards
// against other processes.
func newCron(r taskRunner, schedules map[scheduler.TaskType]string, logger *slog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, task := range scheduler.AllTasks {
		spec, ok := schedules[task]
		if !ok {
			continue
		}
		if _, err := c.AddFunc(spec, func() {
			res, err := r.Run(context.Background(), scheduler.Payload{Task: task})
			if err != nil {
				logger.Error("scheduled task failed", "task", task, "error", err)
				return
			}
			logger.Info("scheduled task finished", "task", task,
				"skipped", res.Skipped, "processed", res.Processed, "failed", res.Failed)
		}); err != nil {
			return nil, fmt.Errorf("scheduling %s (%q): %w", task, spec, err)
		}
	}
	return c, nil
}

func runLocal(r taskRunner, schedules map[scheduler.TaskType]string, logger *slog.Logger) error {
	c, err := newCron(r, schedules, logger)
	if err != nil {
		return err
	}
	c.Start()
	logger.Info("local scheduler started", "entries", len(c.Entries()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("stopping local scheduler")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func printTasks(w io.Writer) {
	fmt.Fprintln(w, "Available tasks:")
	for _, t := range scheduler.AllTasks {
		fmt.Fprintf(w, "  %-16s %s\n", t, defaultSchedules[t])
	}
}

func regionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}
