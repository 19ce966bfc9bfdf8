package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/secfaro/dlptriage/internal/classify"
	"github.com/secfaro/dlptriage/internal/config"
	"github.com/secfaro/dlptriage/internal/gemini"
	"github.com/secfaro/dlptriage/internal/ingest"
	"github.com/secfaro/dlptriage/internal/pipeline"
	"github.com/secfaro/dlptriage/internal/review"
	"github.com/secfaro/dlptriage/internal/server"
	"github.com/secfaro/dlptriage/internal/store"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	log        *zap.SugaredLogger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dlptriage",
	Short:   "AI-assisted DLP incident triage",
	Long:    "dlptriage acquires DLP incidents with their evidence, classifies each one with an AI engine, and learns from analyst corrections.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			log = newLogger("INFO")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s:\n%w", path, err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "DEBUG"
		}
		log = newLogger(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(serveCmd)
}

// newLogger builds a console logger with colored levels and ISO timestamps.
func newLogger(level string) *zap.SugaredLogger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLevel := zapcore.InfoLevel
	switch level {
	case "DEBUG":
		zapLevel = zapcore.DebugLevel
	case "WARNING", "WARN":
		zapLevel = zapcore.WarnLevel
	case "ERROR":
		zapLevel = zapcore.ErrorLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		zapLevel,
	)
	return zap.New(core).Sugar()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dlptriage", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/dlptriage/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the incident source, evidence bucket, and engine API keys.")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database and triage statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Incidents:")
		fmt.Printf("  Total: %d\n", stats.TotalIncidents)
		fmt.Printf("  Pending: %d\n", stats.PendingIncidents)
		fmt.Printf("  Analyzed: %d\n", stats.AnalyzedIncidents)

		if len(stats.VerdictCounts) > 0 {
			fmt.Println("\nVerdicts:")
			for _, v := range []string{store.VerdictTruePositive, store.VerdictFalsePositive, store.VerdictRequiresReview} {
				if n, ok := stats.VerdictCounts[v]; ok {
					fmt.Printf("  %s: %d\n", v, n)
				}
			}
		}

		fmt.Println("\nFeedback:")
		fmt.Printf("  Reviews: %d\n", stats.FeedbackCount)
		if stats.FeedbackCount > 0 {
			fmt.Printf("  Accuracy: %.1f%%\n", stats.Accuracy)
		}
		fmt.Printf("\nTokens used: %d\n", stats.TotalTokens)

		if len(stats.Last7Days) > 0 {
			fmt.Println("\nLast 7 days:")
			for _, day := range stats.Last7Days {
				fmt.Printf("  %s: %d\n", day.Date, day.Count)
			}
		}

		runs, err := st.GetRecentRuns(5)
		if err != nil {
			return fmt.Errorf("getting runs: %w", err)
		}
		if len(runs) > 0 {
			fmt.Println("\nRecent runs:")
			for _, run := range runs {
				fmt.Printf("  %s  %s  downloaded=%d analyzed=%d errors=%d tokens=%d\n",
					run.RunDate, run.RunID, run.Downloaded, run.Analyzed, run.Errors, run.TotalTokens)
			}
		}
		return nil
	},
}

// --- fetch command ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Acquire new incidents without classifying them",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ing, err := buildIngestor(st)
		if err != nil {
			return err
		}

		n, err := ing.Acquire(cmd.Context())
		if err != nil {
			return fmt.Errorf("acquisition failed: %w", err)
		}
		fmt.Printf("Acquired %d new incident(s).\n", n)
		return nil
	},
}

// --- analyze command ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Classify the pending backlog without acquiring new incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		analyzer, err := buildAnalyzer(st)
		if err != nil {
			return err
		}

		pipe := pipeline.New(st, analyzer, nil, pipelineOptions(), log)
		result, err := pipe.Run(cmd.Context())
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full cycle: acquire, classify, record",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		pipe, err := buildPipeline(st)
		if err != nil {
			return err
		}

		result, err := pipe.Run(cmd.Context())
		if err != nil {
			return err
		}
		printResult(result)
		fmt.Println("\nCycle complete. Run 'dlptriage review' to confirm or correct verdicts.")
		return nil
	},
}

// --- watch command ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run cycles on the configured schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		pipe, err := buildPipeline(st)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Watching on schedule %q. Press Ctrl+C to stop.\n", cfg.Schedule.Cron)
		return pipe.Watch(ctx, cfg.Schedule.Cron)
	},
}

// --- review command ---

var reviewLimit int

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review analyzed incidents and record feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		return review.New(st, os.Stdin, os.Stdout, log).Run(reviewLimit)
	},
}

func init() {
	reviewCmd.Flags().IntVarP(&reviewLimit, "limit", "n", 20, "Maximum incidents to list")
}

// --- purge command ---

var (
	purgeDays int
	purgeYes  bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete incidents older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeDays < 1 {
			return fmt.Errorf("--days must be at least 1, got %d", purgeDays)
		}
		if !purgeYes {
			return fmt.Errorf("purge deletes incidents, analyses, and feedback older than %d days; re-run with --yes to confirm", purgeDays)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		result, err := st.PurgeOlderThan(purgeDays)
		if err != nil {
			return fmt.Errorf("purging: %w", err)
		}
		fmt.Printf("Purged %d incident(s), %d analysis rows, %d feedback rows.\n",
			result.Incidents, result.Analyses, result.Feedback)
		return nil
	},
}

func init() {
	purgeCmd.Flags().IntVar(&purgeDays, "days", 90, "Retention window in days")
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "Confirm deletion")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local triage dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting dashboard at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(st, port, log)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
}

// --- wiring helpers ---

func openStore() (*store.Store, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.Open(cfg.DBPath(), log)
}

func buildAnalyzer(st *store.Store) (*classify.Analyzer, error) {
	apiKey := cfg.EngineAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("engine API key not set; export %s", cfg.Engine.APIKeyEnv)
	}

	engine := gemini.New(gemini.Options{
		APIKey:            apiKey,
		Model:             cfg.Engine.Model,
		BaseURL:           cfg.Engine.BaseURL,
		RequestsPerMinute: cfg.Engine.RequestsPerMinute,
		Timeout:           time.Duration(cfg.Engine.TimeoutSeconds) * time.Second,
		MaxOutputTokens:   cfg.Engine.MaxOutputTokens,
	})

	return classify.New(st, engine, classify.Options{
		Dialect:          classify.Dialect(cfg.Engine.ReplyDialect),
		LearningExamples: cfg.Analysis.LearningExamples,
		EvidenceLimit:    cfg.Analysis.EvidenceCharLimit,
	}, log), nil
}

func buildIngestor(st *store.Store) (*ingest.Ingestor, error) {
	if cfg.Source.BaseURL == "" {
		return nil, fmt.Errorf("source.base_url not configured; set it in the config file")
	}
	refreshToken := cfg.SourceAPIKey()
	if refreshToken == "" {
		return nil, fmt.Errorf("incident API key not set; export %s", cfg.Source.APIKeyEnv)
	}

	api := ingest.NewClient(cfg.Source.BaseURL, refreshToken)

	var blobs *ingest.BlobStore
	if cfg.Evidence.Bucket != "" {
		var err error
		blobs, err = ingest.NewBlobStore(ingest.BlobStoreOptions{
			Bucket:    cfg.Evidence.Bucket,
			Region:    cfg.Evidence.Region,
			AccessKey: os.Getenv(cfg.Evidence.AccessKeyEnv),
			SecretKey: os.Getenv(cfg.Evidence.SecretKeyEnv),
			MaxSizeMB: cfg.Evidence.MaxSizeMB,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to evidence bucket: %w", err)
		}
	} else {
		log.Warnw("no evidence bucket configured, acquiring metadata only")
	}

	// A nil interface value is required when no bucket is configured.
	if blobs == nil {
		return ingest.New(st, api, nil, ingestOptions(), log), nil
	}
	return ingest.New(st, api, blobs, ingestOptions(), log), nil
}

func buildPipeline(st *store.Store) (*pipeline.Pipeline, error) {
	analyzer, err := buildAnalyzer(st)
	if err != nil {
		return nil, err
	}

	var acquirer pipeline.Acquirer
	if cfg.Source.BaseURL != "" && cfg.SourceAPIKey() != "" {
		ing, err := buildIngestor(st)
		if err != nil {
			return nil, err
		}
		acquirer = ing
	} else {
		log.Warnw("incident source not configured, classifying existing backlog only")
	}

	return pipeline.New(st, analyzer, acquirer, pipelineOptions(), log), nil
}

func ingestOptions() ingest.Options {
	return ingest.Options{
		IncidentsDir: cfg.IncidentsDir(),
		Lookback:     time.Duration(cfg.Source.LookbackHours) * time.Hour,
		Severities:   cfg.Source.Severities,
		PageSize:     cfg.Source.PageSize,
	}
}

func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		IncidentsDir: cfg.IncidentsDir(),
		MaxPerCycle:  cfg.Analysis.MaxPerCycle,
	}
}

func printResult(r *pipeline.Result) {
	fmt.Printf("\nRun %s (%s):\n", r.RunID, r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	fmt.Printf("  Downloaded: %d\n", r.Downloaded)
	fmt.Printf("  Analyzed: %d\n", r.Analyzed)
	fmt.Printf("  Errors: %d\n", r.Errors)
	fmt.Printf("  Tokens used: %d\n", r.TotalTokens)
}
