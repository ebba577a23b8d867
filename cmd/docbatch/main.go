package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"docbatch/internal/auth"
	"docbatch/internal/batch"
	"docbatch/internal/catalog"
	"docbatch/internal/circuitbreaker"
	"docbatch/internal/config"
	"docbatch/internal/database"
	"docbatch/internal/handlers"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/notify"
	"docbatch/internal/postprocess"
	"docbatch/internal/progress"
	"docbatch/internal/remote"
	"docbatch/internal/server"
	"docbatch/internal/service"
	"docbatch/internal/storage"
)

const usageText = `usage:
  docbatch [-config file] folder [-group] [-select file] <upload-id>
  docbatch [-config file] subject [-group] [-exclude-folders] [-select file] <subject-id>
  docbatch [-config file] serve
`

func main() {
	configFile := flag.String("config", "", "Path to config file (overrides CONFIG_FILE env var)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usageText) }
	flag.Parse()

	// Load environment variables from file
	loadEnvFile(*configFile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	cmd, err := parseCommand(flag.Args(), cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger(cmd.name == "serve")
	if err != nil {
		log.Fatal("failed to init logger: ", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer a.close()

	if cmd.name == "serve" {
		if err := a.serve(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		return
	}

	status := a.runBatch(ctx, cancel, cmd.request)
	a.close()
	logger.Sync()
	os.Exit(exitCode(status))
}

// command is a parsed subcommand.
type command struct {
	name    string
	request service.Request
}

func parseCommand(args []string, cfg *config.Config) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("missing command")
	}

	name := args[0]
	switch name {
	case "serve":
		if len(args) > 1 {
			return command{}, fmt.Errorf("serve takes no arguments")
		}
		return command{name: name}, nil
	case "folder", "subject":
	default:
		return command{}, fmt.Errorf("unknown command %q", name)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	group := fs.Bool("group", cfg.GroupByFolder, "group files into one directory per upload or author")
	selectFile := fs.String("select", "", "YAML file narrowing which documents are downloaded")
	exclude := cfg.ExcludeFolders
	if name == "subject" {
		fs.BoolVar(&exclude, "exclude-folders", cfg.ExcludeFolders, "skip documents that belong to an upload")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return command{}, err
	}
	if fs.NArg() != 1 {
		return command{}, fmt.Errorf("%s requires exactly one id", name)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return command{}, fmt.Errorf("invalid %s id %q", name, fs.Arg(0))
	}

	req := service.Request{
		Kind:    service.Kind(name),
		ID:      id,
		Group:   *group,
		Deliver: true,
	}
	if name == "subject" {
		req.ExcludeFolders = exclude
	}
	if *selectFile != "" {
		sel, err := catalog.LoadSelection(*selectFile)
		if err != nil {
			return command{}, err
		}
		req.Selection = sel
	}
	return command{name: name, request: req}, nil
}

// newLogger returns a JSON production logger for the server and a quieter
// console logger for one-shot runs, where progress lines go to stderr too.
func newLogger(serve bool) (*zap.Logger, error) {
	if serve {
		return zap.NewProduction()
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zc.Build()
}

// app holds the wired collaborators shared by both modes.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	client  *remote.Client
	svc     *service.Service
	sink    storage.Sink
	history database.Store
	closed  bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	m := metrics.New()

	outputBreaker := circuitbreaker.New("output", cfg, m)

	opts := remote.DefaultOptions()
	opts.BaseURL = cfg.APIBaseURL
	opts.APITimeout = cfg.APITimeout
	opts.FetchTimeout = cfg.FetchTimeout
	opts.RateLimit = cfg.APIRateLimit
	opts.Cookies = cfg.Cookies
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}
	tokens := remote.TokenChain{
		remote.StaticToken(cfg.Token),
		remote.CookieToken{Header: cfg.Cookies, Name: cfg.TokenCookieName},
	}
	client := remote.New(opts, tokens, logger.Named("remote"), m)

	post := postprocess.NewCommand(cfg.PostProcessCommand, cfg.PostProcessKinds, cfg.FetchTimeout)
	runner := batch.NewRunner(client, post, batch.Options{
		MaxWorkers:          cfg.MaxConcurrentDocuments,
		GroupByFolder:       cfg.GroupByFolder,
		ArchivePassword:     cfg.ArchivePassword,
		CaptchaPollInterval: cfg.CaptchaPollInterval,
	}, logger.Named("batch"), m)

	sink, err := storage.New(ctx, cfg, m, outputBreaker)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	history, err := database.New(ctx, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	callback := notify.NewCallback(cfg.CallbackURL, cfg.CallbackMaxRetries, cfg.CallbackRetryDelay, logger.Named("callback"), m)
	svc := service.New(catalog.New(client, logger.Named("catalog")), runner, sink, history, callback, logger)

	logger.Info("initialized",
		zap.String("api", cfg.APIBaseURL),
		zap.String("output", cfg.OutputType),
		zap.String("history", cfg.HistoryEngine),
		zap.Int("workers", cfg.MaxConcurrentDocuments),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		client:  client,
		svc:     svc,
		sink:    sink,
		history: history,
	}, nil
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	if err := a.history.Close(); err != nil {
		a.logger.Warn("failed to close history store", zap.Error(err))
	}
}

func (a *app) serve(ctx context.Context) error {
	a.metrics.StartRuntimeMetricsCollector(ctx, 15*time.Second)

	verifier := auth.NewVerifier(a.cfg.SigningSecret, a.cfg.EnforceSigning, a.metrics)
	batchHandler := handlers.NewBatchHandler(a.logger, a.svc, a.history, verifier, a.metrics, handlers.BatchOptions{
		Group:          a.cfg.GroupByFolder,
		ExcludeFolders: a.cfg.ExcludeFolders,
		Timeout:        a.cfg.RequestTimeout,
	})
	healthHandler := handlers.NewHealthHandler(a.logger, a.history, a.sink, a.client, a.metrics)

	srv := server.New(a.logger, a.cfg, a.metrics, batchHandler, healthHandler)
	if err := srv.Start(); err != nil {
		return err
	}
	return srv.WaitForShutdown(ctx)
}

// runBatch runs one batch in the foreground. The first interrupt cancels
// the batch and lets in-flight downloads settle; a second one aborts them.
func (a *app) runBatch(ctx context.Context, abort context.CancelFunc, req service.Request) models.BatchStatus {
	ui := progress.NewConsole(os.Stderr, fmt.Sprintf("%s:%d", req.Kind, req.ID))
	defer ui.Remove()

	done := make(chan struct{})
	defer close(done)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			ui.Cancel()
		case <-done:
			return
		}
		select {
		case <-sigs:
			abort()
		case <-done:
		}
	}()

	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}

	res, err := a.svc.Run(ctx, req, ui)
	if res == nil {
		a.logger.Error("batch failed", zap.Error(err))
		return models.BatchFailed
	}
	if err != nil {
		// The archive was built but not saved.
		res.Record.Status = models.BatchFailed
	}
	if res.Record.Location != "" {
		fmt.Fprintf(os.Stderr, "saved to %s\n", res.Record.Location)
	}

	if err := a.svc.Report(context.WithoutCancel(ctx), res); err != nil {
		a.logger.Warn("batch report incomplete", zap.Error(err))
	}
	return res.Record.Status
}

func exitCode(status models.BatchStatus) int {
	switch status {
	case models.BatchCompleted, models.BatchPartial:
		return 0
	case models.BatchCancelled:
		return 130
	default:
		return 1
	}
}

// loadEnvFile loads environment variables from a file
// Priority: --config flag > CONFIG_FILE env var > .env file
// Silently continues if file doesn't exist (falls back to OS env vars)
func loadEnvFile(flagConfigFile string) {
	configFile := flagConfigFile
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	if configFile != "" {
		// User specified a file - fail if it doesn't exist
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("failed to load config file %s: %v", configFile, err)
		}
		return
	}
	// .env is optional
	_ = godotenv.Load()
}
