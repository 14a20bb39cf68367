package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/imgtier/pkg/controller"
	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/sequencer"
	"github.com/matzehuels/imgtier/pkg/variant"
)

// defaultLoadConcurrency bounds how many sources load at once.
const defaultLoadConcurrency = 4

type loadFlags struct {
	sourceFlags
	profile     string
	timeout     time.Duration
	skipToFull  bool
	jump        string
	watch       bool
	noCache     bool
	concurrency int
}

// loadCommand creates the load command.
func (c *CLI) loadCommand() *cobra.Command {
	var flags loadFlags

	cmd := &cobra.Command{
		Use:   "load <src>...",
		Short: "Load sources progressively and report each stage",
		Long: `Load one or more sources through the placeholder, thumbnail, preview and
full stages. Each stage is verified with a real request before it is reported;
failed intermediate stages are skipped and a failed full stage ends the load
with the best stage that did succeed.

Several sources load concurrently, each with its own controller.`,
		Example: `  imgtier load photos/cat.jpg
  imgtier load a.jpg b.jpg c.jpg --profile slow --timeout 5s
  imgtier load photos/cat.jpg --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runLoad(cmd.Context(), cmd, args, flags)
		},
	}

	flags.sourceFlags.register(cmd)
	cmd.Flags().StringVarP(&flags.profile, "profile", "p", "", "pin the network profile (slow, medium, fast, auto)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-stage probe timeout (default from config)")
	cmd.Flags().BoolVar(&flags.skipToFull, "skip-to-full", false, "probe the full stage only")
	cmd.Flags().StringVar(&flags.jump, "jump", "", "after the load settles, jump to this stage")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "show a live view of a single load")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "verify every stage over the network")
	cmd.Flags().IntVarP(&flags.concurrency, "concurrency", "j", defaultLoadConcurrency, "sources loaded at once")
	return cmd
}

func (c *CLI) runLoad(ctx context.Context, cmd *cobra.Command, args []string, flags loadFlags) error {
	logger := loggerFromContext(ctx)

	if flags.watch && len(args) > 1 {
		return imgerr.New(imgerr.ErrCodeInvalidInput, "--watch takes a single source, got %d", len(args))
	}
	jump := variant.StageNone
	if flags.jump != "" {
		s, err := variant.ParseStage(flags.jump)
		if err != nil || !s.Valid() {
			return imgerr.New(imgerr.ErrCodeInvalidInput, "--jump %q is not a loadable stage", flags.jump)
		}
		jump = s
	}

	opts := c.cfg.LoadOptions()
	if cmd.Flags().Changed("timeout") {
		if flags.timeout <= 0 {
			return imgerr.New(imgerr.ErrCodeInvalidInput, "--timeout must be positive")
		}
		opts.StageTimeout = flags.timeout
	}
	if flags.skipToFull {
		opts.SkipToFull = true
	}

	st, err := c.newStack(ctx, stackOptions{profile: flags.profile, noCache: flags.noCache})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.watch(ctx, c.cfg.Network.SampleInterval)

	if flags.watch {
		return runWatch(ctx, st, logger, args[0], flags.source(args[0]), opts, jump)
	}

	prog := newProgress(logger)
	var g errgroup.Group
	g.SetLimit(max(flags.concurrency, 1))
	for _, ref := range args {
		src := flags.source(ref)
		g.Go(func() error {
			return loadOne(ctx, st, logger, ref, src, opts, jump)
		})
	}
	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	prog.done(fmt.Sprintf("Loaded %d source(s) on a %s network", len(args), st.estimator.Current()))
	return err
}

// newController builds a controller over the shared stack.
func newController(st *stack, logger *log.Logger, label string, cb controller.Callbacks) *controller.Controller {
	return controller.New(st.resolver, st.fetcher,
		controller.WithEstimator(st.estimator),
		controller.WithLogger(logger.With("src", label)),
		controller.WithCallbacks(cb),
	)
}

// loadOne runs a single source to completion and prints its transitions.
// It returns the terminal error of a failed load.
func loadOne(ctx context.Context, st *stack, logger *log.Logger, label string, src variant.Source, opts sequencer.Options, jump variant.Stage) error {
	var ctl *controller.Controller
	ctl = newController(st, logger, label, controller.Callbacks{
		OnStageChange: func(s variant.Stage) {
			printStage(label, s, ctl.State().URL)
		},
		OnError: func(err *imgerr.Error) {
			logger.Debug("load failed", "src", label, "code", err.Code, "err", err)
		},
	})
	defer ctl.Close()

	ctl.Load(ctx, src, opts)
	ctl.Wait()

	if jump != variant.StageNone && ctx.Err() == nil {
		if err := ctl.JumpToStage(ctx, jump); err != nil {
			printError("%s cannot jump to %s: %s", label, jump, imgerr.UserMessage(err))
			return err
		}
		ctl.Wait()
	}

	final := ctl.State()
	printOutcome(label, final)
	if final.Status == sequencer.StatusErrored && final.Err != nil {
		return final.Err
	}
	return nil
}
