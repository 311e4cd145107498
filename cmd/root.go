package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Johnny-Darko/WabbaDownloader/downloader"
	"github.com/Johnny-Darko/WabbaDownloader/internal"
	"github.com/Johnny-Darko/WabbaDownloader/utils"
)

var (
	flagDest        string
	flagCookies     string
	flagWorkers     int
	flagMaxAttempts int
	flagLimitRate   string
	flagDB          string
	flagProxy       string
	flagQuiet       bool
	flagDebug       bool
)

var rootCmd = &cobra.Command{
	Use:   "wabbadl <modlist-file>",
	Short: "Download every archive a modlist requires",
	Long: `wabbadl parses a modlist container, resolves each required archive
through the hosting mod service using an existing browser login, and
downloads everything concurrently with resume and integrity checking.

Interrupted runs pick up where they stopped; completed files are never
fetched twice.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&flagDest, "dest", "d", ".", "destination directory for downloaded archives")
	rootCmd.Flags().StringVarP(&flagCookies, "cookies", "c", "", "cookie file from a logged-in browser session (netscape or json)")
	rootCmd.Flags().IntVarP(&flagWorkers, "workers", "w", 0, "concurrent downloads (default from config)")
	rootCmd.Flags().IntVar(&flagMaxAttempts, "max-attempts", 0, "attempts per archive before giving up (default from config)")
	rootCmd.Flags().StringVarP(&flagLimitRate, "limit-rate", "r", "", "total bandwidth limit, e.g. 500K or 2.5M")
	rootCmd.Flags().StringVar(&flagDB, "db", "", "progress database path (default from config)")
	rootCmd.Flags().StringVar(&flagProxy, "proxy", "", "proxy url (http, https or socks5)")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "verbose logging")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	if err := applyFlags(cfg); err != nil {
		return err
	}

	logger := internal.NewLogger(cfg.LogLevel, cfg.Quiet, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manifestPath := args[0]
	entries, err := downloader.ParseManifestFile(afero.NewOsFs(), manifestPath)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		logger.Info("modlist has no hosted archives to download")
		return nil
	}
	logger.WithField("archives", len(entries)).Info("modlist parsed")

	store, err := downloader.OpenStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := utils.NewHTTPClient(&utils.ClientConfig{
		Timeout:   cfg.HTTPTimeout,
		UserAgent: cfg.UserAgent,
		ProxyURL:  cfg.ProxyURL,
	})
	if err != nil {
		return err
	}

	bridge := downloader.NewAuthBridge()
	if cfg.CookieFile != "" {
		cookies, err := downloader.LoadCookieFile(cfg.CookieFile)
		if err != nil {
			return err
		}
		bridge.NotifyLoginObserved(cookies)
		logger.WithField("cookies", len(cookies)).Info("session loaded from cookie file")
	} else {
		logger.Warn("no cookie file given, waiting for a login to be observed")
	}

	var limiter internal.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = utils.NewTokenBucket(cfg.RateLimit)
	}

	progress, finishBar := buildProgress(cfg.Quiet, entries)

	coord := downloader.NewCoordinator(cfg, downloader.CoordinatorDeps{
		Store:    store,
		Resolver: downloader.NewNexusResolver(client, cfg.APIBaseURL, logger),
		Engine:   downloader.NewHTTPTransferEngine(client, limiter),
		Verifier: downloader.NewVerifier(nil),
		Session:  bridge,
		Logger:   logger,
		Progress: progress,
	})

	summary, runErr := coord.Run(ctx, manifestPath, flagDest, entries)
	finishBar()
	if runErr != nil {
		return runErr
	}

	printSummary(logger, summary)
	if !summary.Success() {
		return fmt.Errorf("%d of %d archives failed", len(summary.Failed), summary.Total)
	}
	return nil
}

func applyFlags(cfg *internal.Config) error {
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if flagMaxAttempts > 0 {
		cfg.MaxAttempts = flagMaxAttempts
	}
	if flagCookies != "" {
		cfg.CookieFile = flagCookies
	}
	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}
	if flagProxy != "" {
		cfg.ProxyURL = flagProxy
	}
	if flagLimitRate != "" {
		rate, err := utils.ParseRateLimit(flagLimitRate)
		if err != nil {
			return err
		}
		cfg.RateLimit = rate
	}
	if flagQuiet {
		cfg.Quiet = true
	}
	if flagDebug {
		cfg.LogLevel = "debug"
	}
	return cfg.Validate()
}

// buildProgress wires coordinator events into one aggregate byte bar.
func buildProgress(quiet bool, entries []internal.ManifestEntry) (internal.ProgressFunc, func()) {
	if quiet {
		return nil, func() {}
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	bar := utils.NewProgressBar(total, os.Stderr)

	fn := func(ev internal.ProgressEvent) {
		bar.Update(ev.EntryID, ev.BytesWritten)
	}
	return fn, bar.Finish
}

func printSummary(logger *logrus.Logger, summary *internal.JobSummary) {
	logger.WithFields(logrus.Fields{
		"completed": summary.Completed,
		"total":     summary.Total,
		"fetched":   summary.Bytes,
	}).Info("run finished")
	for _, f := range summary.Failed {
		logger.WithFields(logrus.Fields{
			"entry":  f.EntryID,
			"file":   f.DisplayName,
			"reason": f.Reason,
		}).Error("archive failed")
	}
}
