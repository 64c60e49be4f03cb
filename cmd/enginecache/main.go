// Command enginecache is a small operational CLI over the engine
// installation cache: ensure a version is present, inspect the store,
// and run culls by hand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forgeworks/enginecache"
	"github.com/forgeworks/enginecache/internal/config"
)

var (
	cfgFile     string
	manifestURL string
	rootDir     string
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "enginecache",
		Short: "Manage the local cache of engine installations",
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&manifestURL, "manifest-url", "", "Build manifest URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Cache root directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "ensure <version>",
			Short: "Download and verify an engine version if not already installed",
			Args:  cobra.ExactArgs(1),
			RunE:  runEnsure,
		},
		&cobra.Command{
			Use:   "path <version>",
			Short: "Print the installation directory of an installed version",
			Args:  cobra.ExactArgs(1),
			RunE:  runPath,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List installed engine versions",
			RunE:  runList,
		},
		&cobra.Command{
			Use:   "cull [pinned versions...]",
			Short: "Apply the retention policy, keeping the given versions pinned",
			RunE:  runCull,
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every installed engine version",
			RunE:  runClear,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newManager builds a Manager from config plus flag overrides.
func newManager() (*enginecache.Manager, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mgr, err := enginecache.New(cfg.ManifestURL, cfg.Root,
		enginecache.WithLogger(logger),
		enginecache.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		enginecache.WithManifestTTL(cfg.ManifestTTL),
		enginecache.WithCullPolicy(enginecache.CullPolicy{
			MaxInstallations: cfg.Cull.MaxInstallations,
			MaxAge:           cfg.Cull.MaxAge,
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		// Flag overrides may satisfy what the config file could not.
		if manifestURL == "" {
			return nil, err
		}
		cfg = &config.Config{}
	}
	if manifestURL != "" {
		cfg.ManifestURL = manifestURL
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	return cfg, nil
}

func runEnsure(cmd *cobra.Command, args []string) error {
	mgr, _, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	version := args[0]
	progress := func(written, total int64) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r%s / %s", humanize.IBytes(uint64(written)), humanize.IBytes(uint64(total)))
		} else {
			fmt.Fprintf(os.Stderr, "\r%s", humanize.IBytes(uint64(written)))
		}
	}

	installed, err := mgr.DownloadEngineIfNecessary(ctx, version, progress)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	if !installed {
		return fmt.Errorf("download of %s was cancelled", version)
	}

	path, err := mgr.GetEnginePath(version)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runPath(cmd *cobra.Command, args []string) error {
	mgr, _, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	path, err := mgr.GetEnginePath(args[0])
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	mgr, _, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	installations := mgr.Installations()
	if len(installations) == 0 {
		fmt.Println("no engine versions installed")
		return nil
	}

	for _, inst := range installations {
		fmt.Printf("%s\t%s\tinstalled %s\tlast used %s\n",
			inst.Version,
			humanize.IBytes(uint64(inst.SizeBytes)),
			humanize.Time(inst.InstalledAt),
			humanize.Time(inst.LastUsedAt),
		)
	}

	stats := mgr.Stats()
	fmt.Printf("total: %d versions, %s\n", stats.Installations, humanize.IBytes(uint64(stats.TotalSizeBytes)))
	return nil
}

func runCull(cmd *cobra.Command, args []string) error {
	mgr, _, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	before := mgr.Stats()
	removed := mgr.Cull(args...)
	after := mgr.Stats()

	for _, version := range removed {
		fmt.Println("removed", version)
	}
	fmt.Printf("culled %d versions, freed %s\n",
		len(removed),
		humanize.IBytes(uint64(before.TotalSizeBytes-after.TotalSizeBytes)))
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	mgr, _, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.ClearAllEngines(); err != nil {
		return err
	}
	fmt.Println("all engine versions removed")
	return nil
}
