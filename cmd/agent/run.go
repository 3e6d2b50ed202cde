package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/runs"
)

const maxTaskLength = 2000

var errPromptCancelled = errors.New("cancelled at prompt")

type runOptions struct {
	goal  string
	model string
	debug bool
	runID string
}

func newRunCmd(c *cli) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one goal against the screen and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.goal == "" {
				goal, err := promptTask(cmd.InOrStdin(), cmd.OutOrStdout())
				if errors.Is(err, errPromptCancelled) {
					fmt.Fprintln(cmd.OutOrStdout(), "Отменено.")
					return nil
				}
				if err != nil {
					return fmt.Errorf("prompt task: %w", err)
				}
				opts.goal = goal
			}
			return runOnce(cmd, c, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.goal, "goal", "g", "", "goal in natural language")
	f.StringVar(&opts.goal, "task", "", "goal in natural language")
	_ = f.MarkDeprecated("task", "use --goal")
	f.StringVar(&opts.model, "model", "", "override the oracle model for this run")
	f.BoolVar(&opts.debug, "debug", false, "emit reasoning and image previews")
	f.StringVar(&opts.runID, "run-id", "", "run id (default: random)")
	f.Int("max-steps", 0, "max agent steps")
	f.Float64("temperature", 0, "LLM temperature")
	_ = c.v.BindPFlag("agent.max_steps", f.Lookup("max-steps"))
	_ = c.v.BindPFlag("oracle.temperature", f.Lookup("temperature"))
	return cmd
}

func runOnce(cmd *cobra.Command, c *cli, opts runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.runID == "" {
		opts.runID = uuid.NewString()
	}
	feed, unsubscribe := a.hub.Subscribe(opts.runID)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range feed {
			printEvent(cmd.OutOrStdout(), ev)
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Начинаю задачу...")
	run, err := a.registry.Start(ctx, runs.Request{
		Goal:  opts.goal,
		Model: opts.model,
		Debug: opts.debug,
		RunID: opts.runID,
	})
	if err != nil {
		unsubscribe()
		<-printed
		return err
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		c.logger.Warn().Str("run_id", run.ID).Msg("interrupt received, cancelling run")
		a.registry.Cancel(run.ID)
		<-run.Done()
	}
	unsubscribe()
	<-printed

	res, _ := run.Result()
	fmt.Fprintln(cmd.OutOrStdout(), res.Summary())

	if path := c.cfg.Browser.SaveState; path != "" && a.browser != nil {
		if err := a.browser.SaveState(context.WithoutCancel(ctx), path); err != nil {
			c.logger.Error().Err(err).Msg("save state")
		} else {
			c.logger.Info().Str("path", path).Msg("storage saved")
		}
	}
	if !res.Success {
		return fmt.Errorf("run %s ended %s", res.RunID, res.Outcome)
	}
	return nil
}

func printEvent(w io.Writer, ev events.Event) {
	switch ev.Kind {
	case events.KindStep:
		fmt.Fprintf(w, "[%s] %s\n", ev.Type, ev.Message)
	case events.KindLog:
		fmt.Fprintf(w, "(%s) %s: %s\n", ev.LogType, ev.Title, truncate(ev.Content, 300))
	case events.KindImage:
		fmt.Fprintf(w, "(image) %s, %d bytes base64\n", ev.Title, len(ev.ImageBase64))
	case events.KindResult:
		fmt.Fprintf(w, "=== %s: %s\n", ev.Type, ev.Message)
	}
}

// promptTask reads the goal from in. An empty line cancels.
func promptTask(in io.Reader, out io.Writer) (string, error) {
	reader := bufio.NewReader(in)
	fmt.Fprint(out, "Введите задачу (оставьте пустым, чтобы отменить): ")
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errPromptCancelled
	}
	if len(line) > maxTaskLength {
		fmt.Fprintf(out, "Задача слишком длинная (макс. %d символов), обрезана\n", maxTaskLength)
	}
	return sanitizeTask(line), nil
}

// sanitizeTask caps the length and drops control characters except
// whitespace.
func sanitizeTask(s string) string {
	s = strings.ToValidUTF8(cutRunes(s, maxTaskLength), "")
	var b strings.Builder
	for _, r := range s {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// cutRunes shortens s to at most n bytes without splitting a rune.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cutRunes(s, n) + "..."
}
