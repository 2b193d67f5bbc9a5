package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aoyamalab/castledger/internal/gateway"
	"github.com/aoyamalab/castledger/internal/store/gormstore"
	"github.com/aoyamalab/castledger/pkg/points"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagConversionRate   = "conversion-rate"
	flagFeeRate          = "fee-rate"
	flagStrict           = "strict"
	flagMonth            = "month"
	flagDate             = "date"
	flagAsOf             = "as-of"
	flagDryRun           = "dry-run"
	flagReason           = "reason"
	flagNote             = "note"
	configKeyDatabaseURL = "database_url"
	configKeyConversion  = "conversion_rate"
	configKeyFeeRate     = "fee_rate"
	defaultDatabaseURL   = "sqlite:///tmp/castledger.db"
	monthLayout          = "2006-01"
	dateLayout           = "2006-01-02"
)

type runtimeConfig struct {
	DatabaseURL    string
	ConversionRate string
	FeeRate        string
	Strict         bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "pointsctl",
		Short:         "Point ledger settlement jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.PersistentFlags().String(flagConversionRate, "", "yen per point, overrides the default 1.2")
	cmd.PersistentFlags().String(flagFeeRate, "", "payout fee rate, overrides the default 0.05")
	cmd.PersistentFlags().Bool(flagStrict, false, "exit non-zero if any batch candidate failed")

	cmd.AddCommand(
		newAutoExitCommand(cfg),
		newProcessPendingCommand(cfg),
		newCloseMonthCommand(cfg),
		newProcessPayoutsCommand(cfg),
		newApprovePayoutCommand(cfg),
		newRejectPayoutCommand(cfg),
		newRetryPayoutCommand(cfg),
		newMarkPaidCommand(cfg),
		newCancelPayoutCommand(cfg),
		newResetQuarterlyCommand(cfg),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyConversion, "CONVERSION_RATE"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyFeeRate, "FEE_RATE"); err != nil {
		return err
	}

	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyConversion, cmd.Flags().Lookup(flagConversionRate)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyFeeRate, cmd.Flags().Lookup(flagFeeRate)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ConversionRate = viper.GetString(configKeyConversion)
	cfg.FeeRate = viper.GetString(configKeyFeeRate)
	cfg.Strict, _ = cmd.Flags().GetBool(flagStrict)
	return nil
}

// runtime bundles everything a subcommand needs against one open database.
type runtime struct {
	logger  *zap.Logger
	service *points.Service
	engine  *points.PayoutEngine
}

func withRuntime(cmd *cobra.Command, cfg *runtimeConfig, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	observer := newZapObserver(logger)
	service, err := points.NewService(gormstore.New(gormDB), func() time.Time { return time.Now().UTC() },
		points.WithOperationLogger(observer),
		points.WithEventPublisher(observer),
		points.WithEscalationQueue(observer),
	)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	payoutConfig, err := payoutConfigFrom(cfg)
	if err != nil {
		return err
	}
	engine, err := points.NewPayoutEngine(service, gateway.NewLogGateway(logger), payoutConfig)
	if err != nil {
		return fmt.Errorf("payout engine init: %w", err)
	}

	return fn(ctx, &runtime{logger: logger, service: service, engine: engine})
}

func payoutConfigFrom(cfg *runtimeConfig) (points.PayoutConfig, error) {
	payoutConfig := points.DefaultPayoutConfig()
	if cfg.ConversionRate != "" {
		rate, err := decimal.NewFromString(cfg.ConversionRate)
		if err != nil {
			return points.PayoutConfig{}, fmt.Errorf("parse conversion rate: %w", err)
		}
		payoutConfig.ConversionRate = rate
	}
	if cfg.FeeRate != "" {
		rate, err := decimal.NewFromString(cfg.FeeRate)
		if err != nil {
			return points.PayoutConfig{}, fmt.Errorf("parse fee rate: %w", err)
		}
		payoutConfig.FeeRate = rate
	}
	return payoutConfig, nil
}

func reportSweep(logger *zap.Logger, job string, report points.SweepReport, strict bool) error {
	logger.Info("sweep finished",
		zap.String("job", job),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	for _, failure := range report.Failures {
		logger.Warn("sweep candidate failed",
			zap.String("job", job),
			zap.String("candidate_id", failure.CandidateID),
			zap.Error(failure.Err),
		)
	}
	// Candidate failures are not fatal unless strict mode is on and nothing
	// succeeded at all.
	if strict && report.Failed > 0 && report.Processed == 0 {
		return fmt.Errorf("%s: all %d candidates failed", job, report.Failed)
	}
	return nil
}

func newAutoExitCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "auto-exit",
		Short: "Force-close running sessions that exceeded the guest's budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				sweeper, err := points.NewAutoExitSweeper(rt.service)
				if err != nil {
					return err
				}
				report, err := sweeper.Run(ctx)
				if err != nil {
					return err
				}
				return reportSweep(rt.logger, "auto-exit", report, cfg.Strict)
			})
		},
	}
}

func newProcessPendingCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "process-pending",
		Short: "Mature pending holds past the wait window into cast transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				processor, err := points.NewPendingProcessor(rt.service)
				if err != nil {
					return err
				}
				report, err := processor.Run(ctx)
				if err != nil {
					return err
				}
				return reportSweep(rt.logger, "process-pending", report, cfg.Strict)
			})
		},
	}
}

func newCloseMonthCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close-month",
		Short: "Aggregate untagged transfers into monthly payout records",
		RunE: func(cmd *cobra.Command, args []string) error {
			monthValue, _ := cmd.Flags().GetString(flagMonth)
			periodEnd, err := resolvePeriodEnd(monthValue, time.Now().UTC())
			if err != nil {
				return err
			}
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				report, err := rt.engine.CloseMonth(ctx, periodEnd)
				if err != nil {
					return err
				}
				rt.logger.Info("month closed",
					zap.String("period_end", periodEnd.Format(dateLayout)),
					zap.Int("payouts_created", report.Processed),
				)
				return reportSweep(rt.logger, "close-month", report, cfg.Strict)
			})
		},
	}
	cmd.Flags().String(flagMonth, "", "closing month as YYYY-MM, defaults to the previous month")
	return cmd
}

// resolvePeriodEnd returns the last instant of the requested month, or of the
// previous month when none is given.
func resolvePeriodEnd(monthValue string, now time.Time) (time.Time, error) {
	if monthValue == "" {
		firstOfCurrent := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfCurrent.Add(-time.Second), nil
	}
	month, err := time.Parse(monthLayout, monthValue)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse month %q: %w", monthValue, err)
	}
	firstOfNext := time.Date(month.Year(), month.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.Add(-time.Second), nil
}

func newProcessPayoutsCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-payouts",
		Short: "Execute scheduled payouts that are due",
		RunE: func(cmd *cobra.Command, args []string) error {
			dateValue, _ := cmd.Flags().GetString(flagDate)
			date, err := resolveDate(dateValue, time.Now().UTC())
			if err != nil {
				return err
			}
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				report, err := rt.engine.ProcessDue(ctx, date)
				if err != nil {
					return err
				}
				return reportSweep(rt.logger, "process-payouts", report, cfg.Strict)
			})
		},
	}
	cmd.Flags().String(flagDate, "", "due date as YYYY-MM-DD, defaults to today")
	return cmd
}

func resolveDate(dateValue string, now time.Time) (time.Time, error) {
	if dateValue == "" {
		return now, nil
	}
	date, err := time.Parse(dateLayout, dateValue)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", dateValue, err)
	}
	return date, nil
}

func newApprovePayoutCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "approve-payout <payout-id>",
		Short: "Approve a pending payout for scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				return rt.engine.Approve(ctx, args[0])
			})
		},
	}
}

func newRejectPayoutCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject-payout <payout-id>",
		Short: "Reject a pending payout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString(flagReason)
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				return rt.engine.Reject(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().String(flagReason, "", "rejection reason recorded on the payout")
	return cmd
}

func newRetryPayoutCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-payout <payout-id>",
		Short: "Retry a failed payout through the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				return rt.engine.Retry(ctx, args[0])
			})
		},
	}
}

func newMarkPaidCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark-paid <payout-id>",
		Short: "Record an out-of-band payment for a payout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString(flagNote)
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				return rt.engine.MarkPaid(ctx, args[0], note)
			})
		},
	}
	cmd.Flags().String(flagNote, "", "note recorded on the payout")
	return cmd
}

func newCancelPayoutCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-payout <payout-id>",
		Short: "Cancel a payout that has not been paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				return rt.engine.Cancel(ctx, args[0])
			})
		},
	}
}

func newResetQuarterlyCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-quarterly",
		Short: "Zero quarterly counters and recompute grades",
		RunE: func(cmd *cobra.Command, args []string) error {
			asOfValue, _ := cmd.Flags().GetString(flagAsOf)
			dryRun, _ := cmd.Flags().GetBool(flagDryRun)
			asOf, err := resolveDate(asOfValue, time.Now().UTC())
			if err != nil {
				return err
			}
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				engine, err := points.NewGradeEngine(rt.service)
				if err != nil {
					return err
				}
				report, err := engine.ResetQuarter(ctx, asOf, dryRun)
				if err != nil {
					return err
				}
				rt.logger.Info("quarter reset",
					zap.Bool("dry_run", report.DryRun),
					zap.Int("casts_reset", report.CastsReset),
					zap.Int("guests_reset", report.GuestsReset),
					zap.Int64("cast_points_cleared", report.CastPointsCleared),
					zap.Int64("grade_points_cleared", report.GradePointsCleared),
				)
				return nil
			})
		},
	}
	cmd.Flags().String(flagAsOf, "", "reset date as YYYY-MM-DD, must be a quarter start")
	cmd.Flags().Bool(flagDryRun, false, "report what would change without writing")
	return cmd
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "castledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
