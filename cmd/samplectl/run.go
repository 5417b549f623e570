package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/config"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/observability"
	"github.com/kursadbilgin/sampling-engine/internal/provider"
	"github.com/kursadbilgin/sampling-engine/internal/ratelimit"
	"github.com/kursadbilgin/sampling-engine/internal/runner"
	"github.com/spf13/cobra"
)

type runOptions struct {
	provider    string
	prompt      string
	promptFile  string
	system      string
	model       string
	iterations  int
	concurrency int
	temperature float64
	maxTokens   int
	ratePerSec  float64
	timeout     time.Duration
	logLevel    string
	quiet       bool
}

func NewRunCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch in-process and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			runnerCfg, err := config.LoadRunner()
			if err != nil {
				return err
			}
			registry, err := provider.NewRegistryFromConfigs(runnerCfg.Providers())
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(opts.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			orch := runner.NewOrchestrator(registry, nil, runnerCfg.RetryPolicy(), runnerCfg.ProviderTimeout, logger)
			return executeRun(ctx, opts, orch, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.provider, "provider", "p", string(domain.ProviderOpenAI), "Provider: openai, anthropic or perplexity")
	flags.StringVar(&opts.prompt, "prompt", "", "Prompt to sample")
	flags.StringVar(&opts.promptFile, "prompt-file", "", "Read the prompt from a file (- for stdin)")
	flags.StringVar(&opts.system, "system", "", "Optional system prompt")
	flags.StringVar(&opts.model, "model", "", "Model override (default: provider default)")
	flags.IntVarP(&opts.iterations, "iterations", "n", domain.DefaultIterations, "Number of samples")
	flags.IntVarP(&opts.concurrency, "concurrency", "c", domain.DefaultConcurrent, "Maximum in-flight calls")
	flags.Float64VarP(&opts.temperature, "temperature", "t", domain.DefaultTemp, "Sampling temperature")
	flags.IntVar(&opts.maxTokens, "max-tokens", 0, "Maximum completion tokens (0: provider default)")
	flags.Float64VarP(&opts.ratePerSec, "rate", "r", 0, "Calls per second limit (0 means unlimited)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Cancel the batch after this long (0 means no limit)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level written to stderr")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print progress")

	return cmd
}

// executeRun runs one batch with orch and writes the result to stdout.
// A cancelled batch is still printed.
func executeRun(ctx context.Context, opts runOptions, orch *runner.Orchestrator, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	req, err := opts.request(stdin)
	if err != nil {
		return err
	}

	orch.SetRateLimiter(ratelimit.NewLocal(opts.ratePerSec, max(1, opts.concurrency)))
	if !opts.quiet {
		orch.SetProgressObserver(func(p domain.RunnerProgress) {
			fmt.Fprintf(stderr, "\r[%s] %d/%d (%.1f%%) ok=%d failed=%d",
				req.Provider, p.Completed, p.Total, p.ProgressPercent, p.Successful, p.Failed)
			if p.Done() {
				fmt.Fprintln(stderr)
			}
		})
	}

	result, err := orch.Run(ctx, req)
	if result == nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return fmt.Errorf("failed to write result: %w", encErr)
	}
	if err != nil {
		return err
	}

	if result.Status == domain.BatchStatusCancelled {
		fmt.Fprintf(stderr, "batch %s cancelled: %d of %d iterations did not complete\n",
			result.ID, result.StatusCounts[domain.IterationCancelled], result.TotalIterations)
	}
	return nil
}

func (o runOptions) request(stdin io.Reader) (domain.RunnerRequest, error) {
	p, err := domain.ParseProviderFromString(o.provider)
	if err != nil {
		return domain.RunnerRequest{}, err
	}

	prompt := o.prompt
	if o.promptFile != "" {
		if prompt != "" {
			return domain.RunnerRequest{}, fmt.Errorf("%w: --prompt and --prompt-file are mutually exclusive", domain.ErrValidation)
		}
		prompt, err = readPrompt(o.promptFile, stdin)
		if err != nil {
			return domain.RunnerRequest{}, err
		}
	}

	cfg := domain.DefaultBatchConfig()
	cfg.Iterations = o.iterations
	cfg.MaxConcurrency = o.concurrency
	cfg.Temperature = o.temperature
	if o.maxTokens > 0 {
		maxTokens := o.maxTokens
		cfg.MaxTokens = &maxTokens
	}
	if model := strings.TrimSpace(o.model); model != "" {
		cfg.Model = &model
	}
	if system := strings.TrimSpace(o.system); system != "" {
		cfg.SystemPrompt = &system
	}

	req := domain.RunnerRequest{Prompt: prompt, Provider: p, Config: cfg}
	if err := req.Validate(); err != nil {
		return domain.RunnerRequest{}, err
	}
	return req, nil
}

func readPrompt(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
