package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/export"
	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/services"
)

type generateOptions struct {
	name     string
	audience string
	files    []string
	textFile string
	resume   string
	out      string
	quiet    bool
}

func newGenerateCommand(root *rootOptions) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a deck from documents and write it as HTML",
		Example: `  ekaya-decks generate --name "Solar 101" --audience kids --file notes.pdf
  cat notes.md | ekaya-decks generate --name "Q3 Plan" --text -
  ekaya-decks generate --resume 6f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.generate(ctx, opts, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.name, "name", "n", "Untitled deck", "project name")
	cmd.Flags().StringVarP(&opts.audience, "audience", "a", string(models.AudienceAdults), "adults, kids or business")
	cmd.Flags().StringArrayVarP(&opts.files, "file", "f", nil, "source document (.txt, .md, .pdf); repeatable")
	cmd.Flags().StringVarP(&opts.textFile, "text", "t", "", "read content from this file instead of sources; - reads stdin")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "resume a failed project by id")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "output HTML path (default derived from the project name)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "hide the progress bar")
	cmd.MarkFlagsMutuallyExclusive("resume", "file")
	cmd.MarkFlagsMutuallyExclusive("resume", "text")
	return cmd
}

func (a *app) generate(ctx context.Context, opts *generateOptions, stdin io.Reader, stderr io.Writer) error {
	run, err := a.startRun(ctx, opts, stdin)
	if err != nil {
		return err
	}

	a.logger.Info("Generating deck",
		zap.String("project_id", run.ProjectID.String()),
		zap.String("run_id", run.ID.String()))

	if err := followRun(ctx, a.orchestrator, run, stderr, opts.quiet); err != nil {
		return err
	}
	if err := run.Err(); err != nil {
		return fmt.Errorf("generation %s: %w", run.State(), err)
	}

	project, err := a.store.Load(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load generated project: %w", err)
	}

	out := opts.out
	if out == "" {
		out = export.Filename(project.Name)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer f.Close()

	if err := export.NewHTMLExporter(a.store, a.logger).Export(ctx, project, f); err != nil {
		return fmt.Errorf("failed to export deck: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Fprintf(stderr, "Wrote %d slides to %s (project %s)\n", len(project.Slides), out, project.ID)
	return nil
}

// startRun creates the project and uploads its sources, or resumes an
// existing one.
func (a *app) startRun(ctx context.Context, opts *generateOptions, stdin io.Reader) (*services.GenerationRun, error) {
	if opts.resume != "" {
		id, err := uuid.Parse(opts.resume)
		if err != nil {
			return nil, fmt.Errorf("invalid project id %q: %w", opts.resume, err)
		}
		return a.orchestrator.Resume(ctx, id)
	}

	if len(opts.files) == 0 && opts.textFile == "" {
		return nil, fmt.Errorf("one of --file, --text or --resume is required")
	}
	audience, err := models.ParseAudience(opts.audience)
	if err != nil {
		return nil, err
	}

	var text string
	if opts.textFile != "" {
		text, err = readText(opts.textFile, stdin)
		if err != nil {
			return nil, err
		}
	}

	project, err := a.store.Create(ctx, opts.name, audience)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	for _, path := range opts.files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		name := filepath.Base(path)
		mediaType := mime.TypeByExtension(filepath.Ext(name))
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		if _, err := a.store.AddSourceFile(ctx, project.ID, name, mediaType, data); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	return a.orchestrator.Start(ctx, services.GenerationRequest{ProjectID: project.ID, Text: text})
}

func readText(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// canceller is the part of the orchestrator followRun needs.
type canceller interface {
	Cancel(projectID uuid.UUID) error
}

// followRun renders progress until the run ends. An interrupt cancels the
// run and keeps draining so the terminal state is reported.
func followRun(ctx context.Context, runs canceller, run *services.GenerationRun, w io.Writer, quiet bool) error {
	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(string(models.PhaseNotStarted)),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		)
	}

	interrupted := ctx.Done()
	events := run.Progress()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if bar != nil {
					_ = bar.Finish()
				}
				return nil
			}
			if bar != nil {
				renderProgress(bar, ev.State)
			}
		case <-interrupted:
			interrupted = nil
			if err := runs.Cancel(run.ProjectID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("failed to cancel run: %w", err)
			}
		}
	}
}

func renderProgress(bar *progressbar.ProgressBar, state models.WorkflowState) {
	bar.Describe(string(state.Phase))
	if state.Total > 0 {
		bar.ChangeMax64(int64(state.Total))
		_ = bar.Set64(int64(state.Completed))
	}
}
