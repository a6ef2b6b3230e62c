package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/rsprolipsi/compensation/engine/pkg/archive"
	"github.com/rsprolipsi/compensation/engine/pkg/clickhouse"
	"github.com/rsprolipsi/compensation/engine/pkg/closing"
	"github.com/rsprolipsi/compensation/engine/pkg/compression"
	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
	"github.com/rsprolipsi/compensation/engine/pkg/neo4j"
	"github.com/rsprolipsi/compensation/engine/pkg/network"
	"github.com/rsprolipsi/compensation/engine/pkg/period"
	"github.com/rsprolipsi/compensation/engine/pkg/postgres"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
	"github.com/rsprolipsi/compensation/engine/pkg/server"
	"github.com/rsprolipsi/compensation/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:3010"
	defaultRunInterval = 15 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	verbose   *bool
	logFormat *string
	envFile   *string

	listenAddr     *string
	runInterval    *time.Duration
	maxConcurrency *int
	callTimeout    *time.Duration
	rulesetPath    *string
	creditRate     *float64

	postgresDSN *string

	clickhouseAddr     *string
	clickhouseDatabase *string
	clickhouseUsername *string
	clickhousePassword *string
	clickhouseSecure   *bool

	genealogyBackend *string
	neo4jURI         *string
	neo4jDatabase    *string
	neo4jUsername    *string
	neo4jPassword    *string

	archiveBucket   *string
	archivePrefix   *string
	archiveRegion   *string
	archiveEndpoint *string

	sentryDSN *string

	once                    *bool
	closeMonth              *string
	closeQuarter            *string
	dryRun                  *bool
	importNetwork           *string
	postgresMigrate         *bool
	clickhouseMigrate       *bool
	clickhouseMigrateStatus *bool
}

func parseFlags() *flags {
	f := &flags{
		verbose:   flag.Bool("verbose", false, "enable verbose (debug) logging"),
		logFormat: flag.String("log-format", "text", "log output format: text or json (or set LOG_FORMAT env var)"),
		envFile:   flag.String("env-file", ".env", "load environment variables from this file when it exists"),

		listenAddr:     flag.String("listen-addr", defaultListenAddr, "HTTP listen address for health, metrics and reports"),
		runInterval:    flag.Duration("run-interval", defaultRunInterval, "interval between compression passes"),
		maxConcurrency: flag.Int("max-concurrency", 4, "matrices compressed in parallel"),
		callTimeout:    flag.Duration("call-timeout", 30*time.Second, "timeout for each store, genealogy and ledger call"),
		rulesetPath:    flag.String("ruleset", "", "ruleset YAML file, built-in defaults when empty (or set RULESET_PATH env var)"),
		creditRate:     flag.Float64("credit-rate", 0, "maximum wallet credits per second, 0 for unlimited"),

		postgresDSN: flag.String("postgres-dsn", "", "PostgreSQL connection string (or set POSTGRES_DSN env var)"),

		clickhouseAddr:     flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)"),
		clickhouseDatabase: flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)"),
		clickhouseUsername: flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)"),
		clickhousePassword: flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)"),
		clickhouseSecure:   flag.Bool("clickhouse-secure", false, "enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)"),

		genealogyBackend: flag.String("genealogy", "postgres", "sponsor graph backend: postgres or neo4j (or set GENEALOGY_BACKEND env var)"),
		neo4jURI:         flag.String("neo4j-uri", "", "Neo4j bolt URI (or set NEO4J_URI env var)"),
		neo4jDatabase:    flag.String("neo4j-database", neo4j.DefaultDatabase, "Neo4j database name (or set NEO4J_DATABASE env var)"),
		neo4jUsername:    flag.String("neo4j-username", "neo4j", "Neo4j username (or set NEO4J_USERNAME env var)"),
		neo4jPassword:    flag.String("neo4j-password", "", "Neo4j password (or set NEO4J_PASSWORD env var)"),

		archiveBucket:   flag.String("archive-bucket", "", "S3 bucket for compression reports, disabled when empty (or set ARCHIVE_BUCKET env var)"),
		archivePrefix:   flag.String("archive-prefix", "compression", "key prefix for archived reports"),
		archiveRegion:   flag.String("archive-region", "", "AWS region for the archive bucket (or set AWS_REGION env var)"),
		archiveEndpoint: flag.String("archive-endpoint", "", "S3 compatible endpoint URL (or set ARCHIVE_ENDPOINT env var)"),

		sentryDSN: flag.String("sentry-dsn", "", "Sentry DSN for failed pass alerts (or set SENTRY_DSN env var)"),

		once:                    flag.Bool("once", false, "run a single compression pass, print the report and exit"),
		closeMonth:              flag.String("close-month", "", "pay fidelity and Top-SIGMA pools for a month (YYYY-MM, or \"previous\")"),
		closeQuarter:            flag.String("close-quarter", "", "evaluate career ranks for a quarter (YYYY-Qn, or \"previous\")"),
		dryRun:                  flag.Bool("dry-run", false, "with --close-month or --close-quarter, compute credits without paying them"),
		importNetwork:           flag.String("import-network", "", "import participants from a CSV export into the sponsor graph"),
		postgresMigrate:         flag.Bool("postgres-migrate", false, "run PostgreSQL migrations and exit"),
		clickhouseMigrate:       flag.Bool("clickhouse-migrate", false, "run ClickHouse migrations and exit"),
		clickhouseMigrateStatus: flag.Bool("clickhouse-migrate-status", false, "show ClickHouse migration status and exit"),
	}
	flag.Parse()
	return f
}

func (f *flags) applyEnv() {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(f.logFormat, "LOG_FORMAT")
	str(f.rulesetPath, "RULESET_PATH")
	str(f.postgresDSN, "POSTGRES_DSN")
	str(f.clickhouseAddr, "CLICKHOUSE_ADDR_TCP")
	str(f.clickhouseDatabase, "CLICKHOUSE_DATABASE")
	str(f.clickhouseUsername, "CLICKHOUSE_USERNAME")
	str(f.clickhousePassword, "CLICKHOUSE_PASSWORD")
	str(f.genealogyBackend, "GENEALOGY_BACKEND")
	str(f.neo4jURI, "NEO4J_URI")
	str(f.neo4jDatabase, "NEO4J_DATABASE")
	str(f.neo4jUsername, "NEO4J_USERNAME")
	str(f.neo4jPassword, "NEO4J_PASSWORD")
	str(f.archiveBucket, "ARCHIVE_BUCKET")
	str(f.archiveRegion, "AWS_REGION")
	str(f.archiveEndpoint, "ARCHIVE_ENDPOINT")
	str(f.sentryDSN, "SENTRY_DSN")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*f.clickhouseSecure = true
	}
}

func (f *flags) clickhouseConfig() clickhouse.ClientConfig {
	return clickhouse.ClientConfig{
		Addr:     *f.clickhouseAddr,
		Database: *f.clickhouseDatabase,
		Username: *f.clickhouseUsername,
		Password: *f.clickhousePassword,
		Secure:   *f.clickhouseSecure,
	}
}

func run() error {
	f := parseFlags()
	if err := godotenv.Load(*f.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *f.envFile, err)
	}
	f.applyEnv()

	log := logger.NewWithFormat(os.Stdout, *f.verbose, logger.ParseFormat(*f.logFormat))
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *f.postgresMigrate {
		if *f.postgresDSN == "" {
			return fmt.Errorf("--postgres-dsn is required for --postgres-migrate")
		}
		return postgres.Migrate(ctx, log, *f.postgresDSN)
	}
	if *f.clickhouseMigrate {
		return clickhouse.Migrate(ctx, log, f.clickhouseConfig())
	}
	if *f.clickhouseMigrateStatus {
		return clickhouse.MigrationStatus(ctx, log, f.clickhouseConfig())
	}

	if *f.sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     *f.sentryDSN,
			Release: version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	rs, err := ruleset.LoadOrDefault(*f.rulesetPath)
	if err != nil {
		return err
	}
	metrics.RulesetInfo.WithLabelValues(rs.Version).Set(1)
	log.Info("ruleset loaded", "version", rs.Version, "timezone", rs.Timezone)

	if *f.postgresDSN == "" {
		return fmt.Errorf("--postgres-dsn is required")
	}
	pool, err := postgres.NewPool(ctx, log, postgres.PoolConfig{DSN: *f.postgresDSN})
	if err != nil {
		return err
	}
	defer pool.Close()
	store, err := postgres.NewStore(postgres.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	var graph *neo4j.GenealogySource
	if *f.genealogyBackend == "neo4j" || (*f.importNetwork != "" && *f.neo4jURI != "") {
		if *f.neo4jURI == "" {
			return fmt.Errorf("--neo4j-uri is required for the neo4j genealogy backend")
		}
		client, err := neo4j.NewClient(ctx, log, *f.neo4jURI, *f.neo4jDatabase, *f.neo4jUsername, *f.neo4jPassword)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())
		if err := neo4j.InitializeSchema(ctx, log, client); err != nil {
			return err
		}
		graph, err = neo4j.NewGenealogySource(neo4j.GenealogySourceConfig{Logger: log, Neo4j: client})
		if err != nil {
			return err
		}
	}

	if *f.importNetwork != "" {
		return importNetwork(ctx, log, *f.importNetwork, store, graph)
	}

	var source genealogy.Source = store
	switch *f.genealogyBackend {
	case "postgres":
	case "neo4j":
		source = graph
	default:
		return fmt.Errorf("unknown genealogy backend %q", *f.genealogyBackend)
	}

	if *f.clickhouseAddr == "" {
		return fmt.Errorf("--clickhouse-addr is required")
	}
	chClient, err := clickhouse.NewClient(ctx, log, f.clickhouseConfig())
	if err != nil {
		return err
	}
	defer chClient.Close()
	journal, err := clickhouse.NewJournal(clickhouse.JournalConfig{Logger: log, ClickHouse: chClient})
	if err != nil {
		return err
	}

	var (
		wallet     ledger.Wallet  = store
		ledgerJrnl ledger.Journal = journal
		memWallet  *ledger.MemoryWallet
	)
	if *f.dryRun {
		if *f.closeMonth == "" && *f.closeQuarter == "" {
			return fmt.Errorf("--dry-run requires --close-month or --close-quarter")
		}
		memWallet = ledger.NewMemoryWallet()
		wallet = memWallet
		ledgerJrnl = ledger.NewMemoryJournal()
	}
	rateLimit := rate.Inf
	if *f.creditRate > 0 {
		rateLimit = rate.Limit(*f.creditRate)
	}
	ledgerSvc, err := ledger.NewService(ledger.ServiceConfig{
		Logger:      log,
		Wallet:      wallet,
		Journal:     ledgerJrnl,
		CallTimeout: *f.callTimeout,
		RateLimit:   rateLimit,
		Burst:       max(1, int(*f.creditRate)),
	})
	if err != nil {
		return err
	}

	if *f.closeMonth != "" || *f.closeQuarter != "" {
		closer, err := closing.New(closing.Config{
			Logger:       log,
			Ruleset:      rs,
			Ledger:       ledgerSvc,
			Journal:      journal,
			Participants: store,
			CallTimeout:  *f.callTimeout,
		})
		if err != nil {
			return err
		}
		res, err := runClosing(ctx, closer, rs, *f.closeMonth, *f.closeQuarter)
		if err != nil {
			sentry.CaptureException(err)
			return err
		}
		printClosing(res, memWallet)
		if !res.Success() {
			sentry.CaptureMessage(fmt.Sprintf("closing %s finished with %d errors", res.Period, len(res.Errors)))
			return fmt.Errorf("closing %s finished with %d errors", res.Period, len(res.Errors))
		}
		return nil
	}

	hooks := []compression.Hook{alertHook(log)}
	if *f.archiveBucket != "" {
		s3Client, err := archive.NewS3Client(ctx, *f.archiveRegion, *f.archiveEndpoint)
		if err != nil {
			return err
		}
		arch, err := archive.NewS3Archive(archive.S3ArchiveConfig{
			Logger: log,
			Client: s3Client,
			Bucket: *f.archiveBucket,
			Prefix: *f.archivePrefix,
		})
		if err != nil {
			return err
		}
		hooks = append(hooks, arch.Hook())
	}

	engine, err := compression.New(compression.Config{
		Logger:         log,
		Ruleset:        rs,
		Store:          store,
		Ledger:         ledgerSvc,
		Genealogy:      source,
		Career:         store,
		RunInterval:    *f.runInterval,
		MaxConcurrency: *f.maxConcurrency,
		CallTimeout:    *f.callTimeout,
		Hooks:          hooks,
	})
	if err != nil {
		return err
	}

	if *f.once {
		res, err := engine.RunFullCompression(ctx)
		fmt.Print(compression.GenerateReport(res))
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("compression pass finished with %d errors", len(res.Errors))
		}
		return nil
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Engine:         engine,
		ListenAddr:     *f.listenAddr,
		VersionInfo:    server.VersionInfo{Version: version, Commit: commit, Date: date},
		RulesetVersion: rs.Version,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func importNetwork(ctx context.Context, log *slog.Logger, path string, store *postgres.Store, graph *neo4j.GenealogySource) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open network export: %w", err)
	}
	defer file.Close()

	records, err := network.ReadCSV(file)
	if err != nil {
		return err
	}
	sinks := []network.Upserter{store}
	if graph != nil {
		sinks = append(sinks, graph)
	}
	res, err := network.Import(ctx, log, records, sinks...)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d participants, %d without a resolvable sponsor\n", res.Imported, len(res.Orphans))
	return nil
}

func runClosing(ctx context.Context, closer *closing.Closer, rs *ruleset.Ruleset, month, quarter string) (closing.Result, error) {
	now := time.Now()
	if month != "" {
		m := period.MonthOf(now, rs.Location()).Previous()
		if month != "previous" {
			var err error
			if m, err = period.ParseMonth(month, rs.Location()); err != nil {
				return closing.Result{}, err
			}
		}
		return closer.CloseMonth(ctx, m)
	}
	q := period.QuarterOf(now, rs.Location()).Previous()
	if quarter != "previous" {
		var err error
		if q, err = period.ParseQuarter(quarter, rs.Location()); err != nil {
			return closing.Result{}, err
		}
	}
	return closer.CloseQuarter(ctx, q)
}

func printClosing(res closing.Result, dryRun *ledger.MemoryWallet) {
	fmt.Printf("period:     %s\n", res.Period)
	fmt.Printf("cycles:     %d\n", res.Cycles)
	fmt.Printf("paid:       %s\n", res.Paid.StringFixed(2))
	fmt.Printf("applied:    %d (duplicates %d, failed %d)\n", res.CreditsApplied, res.CreditsDuplicate, res.CreditsFailed)
	fmt.Printf("promotions: %d\n", res.Promotions)
	if res.JournalMissing > 0 {
		fmt.Printf("journal:    missing %d cycles\n", res.JournalMissing)
	}
	for _, e := range res.Errors {
		fmt.Printf("error:      %s\n", e)
	}
	if dryRun != nil {
		fmt.Println("dry run, nothing was paid:")
		for _, c := range dryRun.Credits() {
			fmt.Printf("  %-40s %-12s %s\n", c.IdempotencyKey, c.ParticipantID, c.Amount.String())
		}
	}
}

// alertHook reports failed passes to Sentry. Without a DSN the hub has no
// client and captures are dropped.
func alertHook(log *slog.Logger) compression.Hook {
	return func(ctx context.Context, res compression.Result) {
		if res.Success {
			return
		}
		log.Warn("compression: pass finished with errors", "period", res.Period, "errors", len(res.Errors))
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("period", res.Period)
			scope.SetExtra("report", compression.GenerateReport(res))
			sentry.CaptureMessage(fmt.Sprintf("compression pass finished with %d errors", len(res.Errors)))
		})
	}
}
