// Command deepfanar is a terminal client for the deep research backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AminEdZare/Deep-Fanar/internal/app"
	"github.com/AminEdZare/Deep-Fanar/internal/archive"
	"github.com/AminEdZare/Deep-Fanar/internal/audio"
	"github.com/AminEdZare/Deep-Fanar/internal/backend"
	"github.com/AminEdZare/Deep-Fanar/internal/config"
	"github.com/AminEdZare/Deep-Fanar/internal/observability"
	"github.com/AminEdZare/Deep-Fanar/internal/speech"
	"github.com/AminEdZare/Deep-Fanar/internal/voice"
)

var rootCmd = &cobra.Command{
	Use:   "deepfanar",
	Short: "Ask the deep research agent from your terminal",
	Long: `deepfanar streams research progress from the backend, shows the final
report with its sources, and can read the report aloud or take a spoken query.`,
	SilenceUsage: true,
	RunE:         runTUI,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived research turns",
	RunE:  runHistory,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one archived report",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.PersistentFlags().String("env-file", "", "read settings from this file instead of ./.env")
	rootCmd.PersistentFlags().String("archive", "", "SQLite archive path (default from DEEPFANAR_ARCHIVE)")
	rootCmd.Flags().String("backend", "", "backend base URL (default from DEEPFANAR_BACKEND_URL)")
	rootCmd.Flags().Bool("no-audio", false, "disable the speaker and microphone")
	historyCmd.Flags().Int("limit", 20, "number of turns to list")

	rootCmd.AddCommand(historyCmd, showCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads settings and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}

	if f := cmd.Flags().Lookup("backend"); f != nil && f.Changed {
		cfg.Backend.URL = strings.TrimRight(f.Value.String(), "/")
	}
	if path, _ := cmd.Flags().GetString("archive"); path != "" {
		cfg.ArchivePath = path
	}
	if off, _ := cmd.Flags().GetBool("no-audio"); off {
		cfg.AudioEnabled = false
	}
	return cfg, cfg.Validate()
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeLog, err := observability.Open(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("starting", "backend", cfg.Backend.URL, "audio", cfg.AudioEnabled)

	client := backend.NewClient(cfg.Backend.URL,
		backend.WithLogger(logger),
		backend.WithPaths(cfg.Backend.ResearchPath, cfg.Backend.SpeechPath, cfg.Backend.TranscribePath),
		backend.WithUploadField(cfg.Backend.UploadField),
		backend.WithChunkSize(cfg.Backend.ChunkSize),
	)

	var (
		player speech.Player = audio.Disabled{}
		device voice.Device  = audio.DisabledDevice{}
	)
	format := voice.Format{SampleRate: cfg.Voice.SampleRate, Channels: cfg.Voice.Channels, BitsPerSample: 16}
	if cfg.AudioEnabled {
		player = audio.NewSpeaker(cfg.Speech.SampleRate, logger)
		device = audio.NewMicrophone(format, logger)
	}

	ctl := speech.NewController(client, player, speech.Config{
		MaxChars:   cfg.Speech.MaxChars,
		Retries:    cfg.Speech.Retries,
		RetryDelay: cfg.Speech.RetryDelay,
	}, logger)
	pipe := voice.NewPipeline(device, client, format, logger)
	defer ctl.Release()
	defer pipe.Release()

	deps := app.Deps{
		Research:  client,
		Speech:    ctl,
		Voice:     pipe,
		Logger:    logger,
		NoticeTTL: cfg.UI.NoticeTTL,
	}
	if cfg.ArchivePath != "" {
		store, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Archive = store
	}

	p := tea.NewProgram(app.New(cmd.Context(), deps), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		logger.Error("tui exited", "err", err)
		return fmt.Errorf("run tui: %w", err)
	}
	logger.Info("exiting")
	return nil
}

func openArchive(cmd *cobra.Command) (*archive.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(observability.New(os.Stderr, cfg.Log.Level))

	path := cfg.ArchivePath
	if path == "" {
		path = archive.DefaultPath()
	}
	if _, err := os.Stat(path); err != nil && path != ":memory:" {
		return nil, fmt.Errorf("no archive at %s", path)
	}
	return archive.Open(path)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openArchive(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	turns, err := store.RecentTurns(limit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No archived turns.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFINISHED\tOUTCOME\tTOOK\tQUERY")
	for _, t := range turns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.FinishedAt.Local().Format("2006-01-02 15:04"),
			t.Outcome,
			t.Duration().Round(time.Second),
			clip(t.Query, 60))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	store, err := openArchive(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.Turn(args[0])
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("turn %s not found", args[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Query: %s\n\n", t.Query)
	if t.Outcome == archive.OutcomeFailed {
		fmt.Fprintf(out, "Failed: %s\n", t.Error)
		return nil
	}
	fmt.Fprintln(out, t.Report)
	if len(t.Sources) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for i, s := range t.Sources {
			fmt.Fprintf(out, "  %d. %s\n", i+1, s)
		}
	}
	return nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
