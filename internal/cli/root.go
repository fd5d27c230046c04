// Package cli is the operator surface: submit, status, cancel, and the
// worker-pool server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adforge/adforge/internal/analysis"
	"github.com/adforge/adforge/internal/audio"
	"github.com/adforge/adforge/internal/config"
	"github.com/adforge/adforge/internal/llm"
	"github.com/adforge/adforge/internal/observability"
	"github.com/adforge/adforge/internal/pipeline"
	"github.com/adforge/adforge/internal/progress"
	"github.com/adforge/adforge/internal/queue"
	"github.com/adforge/adforge/internal/store"
	"github.com/adforge/adforge/internal/ttm"
	"github.com/adforge/adforge/internal/tts"
)

var Version = "dev"

// Exit codes for the operator tool.
const (
	ExitOK         = 0
	ExitValidation = 2
	ExitNotFound   = 3
	ExitTransient  = 4
	ExitPermanent  = 5
)

var rootCmd = &cobra.Command{
	Use:           "adforge",
	Short:         "Produce finished audio ads from a one-line brief",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("adforge %s\n", Version)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Submit a production and print its ID",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <production-id>",
	Short: "Print a production's stage and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <production-id>",
	Short: "Cancel a running production",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent productions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stage worker pools until interrupted",
	RunE:  runServe,
}

var (
	flagVoice     string
	flagDuration  float64
	flagTone      string
	flagNormalize bool
	flagLUFS      float64
	flagFadeCurve string
)

func init() {
	rootCmd.AddCommand(versionCmd, submitCmd, statusCmd, cancelCmd, listCmd, serveCmd)
	submitCmd.Flags().StringVar(&flagVoice, "voice", "", "TTS voice ID")
	submitCmd.Flags().Float64Var(&flagDuration, "duration", 30, "Target ad duration in seconds")
	submitCmd.Flags().StringVar(&flagTone, "tone", "", "Tone of the ad (warm, energetic, ...)")
	submitCmd.Flags().BoolVar(&flagNormalize, "normalize", true, "Normalize loudness of the final mix")
	submitCmd.Flags().Float64Var(&flagLUFS, "lufs", -16, "Target integrated loudness")
	submitCmd.Flags().StringVar(&flagFadeCurve, "fade-curve", "qsin", "Voice fade curve (linear, exp, qsin, log)")
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitOK
}

func exitCode(err error) int {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, queue.ErrJobNotFound) {
		return ExitNotFound
	}
	var missing *config.MissingSecretError
	if errors.As(err, &missing) {
		return ExitPermanent
	}
	var serr *pipeline.StageError
	if errors.As(err, &serr) {
		switch {
		case serr.Kind == pipeline.KindValidation:
			return ExitValidation
		case serr.Retryable():
			return ExitTransient
		}
		return ExitPermanent
	}
	return ExitPermanent
}

// buildEnv wires the shared store, queues, and orchestrator.
func buildEnv() (*config.Config, *store.Store, *queue.Queues, *pipeline.Orchestrator, *progress.Broker, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	log := observability.InitLogger(cfg.LogLevel)

	st, err := store.Open(cfg.QueueURL)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	queues, err := queue.Open(st.DB())
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	ffmpeg := audio.NewFFmpeg()
	caps := pipeline.Capabilities{
		LLM:      llm.NewClaude("", cfg.LLMAPIKey),
		TTS:      tts.NewElevenLabs(cfg.TTSAPIKey),
		TTM:      ttm.NewClient(cfg.TTMAPIKey),
		Audio:    ffmpeg,
		Analyzer: analysis.NewAnalyzer(ffmpeg),
	}
	broker := progress.NewBroker()
	orch := pipeline.New(st, queues, caps, cfg.UploadDir, broker, log)
	return cfg, st, queues, orch, broker, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	_, _, _, orch, _, err := buildEnv()
	if err != nil {
		return err
	}

	id, err := orch.Submit(cmd.Context(), pipeline.SubmitParams{
		Prompt: args[0],
		Tone:   flagTone,
		Settings: store.Settings{
			VoiceID:           flagVoice,
			TargetDuration:    flagDuration,
			NormalizeLoudness: flagNormalize,
			TargetLUFS:        flagLUFS,
			FadeCurve:         flagFadeCurve,
		},
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, st, _, _, _, err := buildEnv()
	if err != nil {
		return err
	}
	prod, err := st.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("id:       %s\n", prod.ID)
	fmt.Printf("status:   %s\n", prod.Status)
	fmt.Printf("progress: %d%%\n", prod.Progress)
	if prod.OutputPath != "" {
		fmt.Printf("output:   %s (%.2fs)\n", prod.OutputPath, prod.OutputDuration)
	}
	if prod.ErrorKind != "" {
		fmt.Printf("error:    %s: %s\n", prod.ErrorKind, prod.ErrorMessage)
	}
	for _, w := range prod.Warnings() {
		fmt.Printf("warning:  %s\n", w)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	_, st, _, _, _, err := buildEnv()
	if err != nil {
		return err
	}
	prods, err := st.List(50)
	if err != nil {
		return err
	}
	for _, p := range prods {
		fmt.Printf("%s  %-10s %3d%%  %s\n", p.ID, p.Status, p.Progress, p.Prompt)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	_, _, _, orch, _, err := buildEnv()
	if err != nil {
		return err
	}
	if err := orch.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", args[0])
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, _, queues, orch, broker, err := buildEnv()
	if err != nil {
		return err
	}
	if err := cfg.RequireSecrets(); err != nil {
		return err
	}
	if err := audio.CheckInstalled(); err != nil {
		return err
	}
	log := observability.InitLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.InitTracer(ctx, "adforge", Version)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	} else {
		defer tp.Shutdown(context.Background()) //nolint:errcheck
	}

	// Log progress events as they stream by.
	events, unsubscribe := broker.Subscribe()
	defer unsubscribe()
	go func() {
		for evt := range events {
			log.Info("progress",
				"production_id", evt.ProductionID,
				"stage", evt.Stage,
				"percent", evt.Percent,
				"note", evt.Note)
		}
	}()

	queues.StartPruner(ctx, 0, log)

	handlers := orch.Handlers()
	g, ctx := errgroup.WithContext(ctx)
	for _, poolCfg := range queue.DefaultPools() {
		handler, ok := handlers[poolCfg.Queue]
		if !ok {
			continue
		}
		pool := queue.NewPool(queues, poolCfg, handler, log)
		g.Go(func() error { return pool.Run(ctx) })
	}

	log.Info("worker pools running", "upload_dir", cfg.UploadDir)
	return g.Wait()
}
