package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sigreer/imgforge/internal/approval"
	"github.com/sigreer/imgforge/internal/config"
	"github.com/sigreer/imgforge/internal/failure"
	"github.com/sigreer/imgforge/internal/image"
	"github.com/sigreer/imgforge/internal/journal"
	"github.com/sigreer/imgforge/internal/partition"
	"github.com/sigreer/imgforge/internal/pipeline"
	"github.com/sigreer/imgforge/internal/regen"
	"github.com/sigreer/imgforge/internal/resize"
	"github.com/sigreer/imgforge/internal/runner"
	"github.com/sigreer/imgforge/internal/target"
	"github.com/sigreer/imgforge/internal/version"
	"github.com/sigreer/imgforge/internal/writer"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	journalPath string
)

var rootCmd = &cobra.Command{
	Use:   "imgforge",
	Short: "Write OS images to disks and give each copy its own identity",
	Long: `imgforge writes a raw (or .xz/.gz compressed) OS image to a block device
or an image file, optionally grows a partition into the remaining space, and
regenerates the UUIDs of the boot, root and EFI filesystems so that several
boards flashed from the same image never share identifiers.

Every destructive step is shown as a plan and needs confirmation unless
--yes is given.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("imgforge", version.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/imgforge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")
	rootCmd.PersistentFlags().StringVar(&journalPath, "journal", "", "journal database path")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(regenCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	runner  runner.Runner
	term    *approval.Terminal
	journal *journal.Journal
}

// setup loads configuration, applies global flags and opens the journal.
// Configuration errors are fatal; a journal that cannot be opened is not.
func setup(assumeYes bool) *app {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if journalPath != "" {
		cfg.Journal.Path = journalPath
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		runner: runner.New(),
		term:   approval.NewTerminal(assumeYes),
	}

	if cfg.JournalEnabled() {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			log.WithError(err).Warn("journal disabled for this run")
		} else {
			a.journal = j
		}
	}

	return a
}

func newLogger(c config.Log) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	log.SetLevel(level)

	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log, nil
}

func (a *app) close() {
	if a.journal != nil {
		a.journal.Close()
	}
}

// pipeline wires the stage components from configuration.
func (a *app) pipeline() (*pipeline.Pipeline, error) {
	blockSize, err := a.cfg.BlockSizeBytes()
	if err != nil {
		return nil, err
	}
	settle, err := a.cfg.LoopSettle()
	if err != nil {
		return nil, err
	}

	copier, err := writer.NewCopier(a.cfg.Write.Copier, a.runner, blockSize, os.Stderr)
	if err != nil {
		return nil, err
	}

	loops := writer.NewLoopBinder(a.runner, settle, a.log.WithField("stage", "write"))

	p := &pipeline.Pipeline{
		Operator: a.term,
		Preparer: &image.Preparer{
			WorkDir:       a.cfg.Image.WorkDir,
			RemoveArchive: a.cfg.Image.RemoveArchive,
			Progress:      os.Stderr,
			Log:           a.log.WithField("stage", "image"),
		},
		Resolver: target.NewResolver(a.runner, a.term, a.log.WithField("stage", "target")),
		Writer:   writer.New(a.runner, a.term, copier, loops, a.log.WithField("stage", "write")),
		NewResizer: func() *resize.Controller {
			return resize.New(a.runner, a.term, partition.DiskfsReader{}, os.Stdout, a.log.WithField("stage", "resize"))
		},
		Regen: &regen.Engine{
			Runner:  a.runner,
			Mounter: &regen.SysMounter{Dir: a.cfg.Regen.MountDir},
			Sites: regen.SiteConfig{
				EFIGrubConfig:   a.cfg.Regen.EFIGrubConfig,
				ExtlinuxConfig:  a.cfg.Regen.ExtlinuxConfig,
				LoaderEntryDirs: a.cfg.Regen.LoaderEntryDirs,
				Fstab:           a.cfg.Regen.Fstab,
			},
			Log: a.log.WithField("stage", "regen"),
		},
		Log: a.log,
	}
	if a.journal != nil {
		p.Journal = a.journal
	}

	return p, nil
}

// signalContext is cancelled on SIGINT or SIGTERM; running tools are killed.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// fail prints the failing step and exits non-zero.
func fail(a *app, err error) {
	a.close()
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", failure.Describe(err), err)
	os.Exit(1)
}

// preflight checks the external tools a command relies on.
func preflight(a *app, tools ...string) {
	if err := runner.Available(tools...); err != nil {
		fail(a, err)
	}
}
