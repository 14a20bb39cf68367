package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	imgerr "github.com/matzehuels/imgtier/pkg/errors"
	"github.com/matzehuels/imgtier/pkg/netprofile"
	"github.com/matzehuels/imgtier/pkg/variant"
)

const defaultProfileSamples = 3

// profileResult is what a throughput measurement produced.
type profileResult struct {
	Profile netprofile.Profile
	Signal  netprofile.Signal
	Samples int
	Failed  int
}

// profileCommand creates the profile command.
func (c *CLI) profileCommand() *cobra.Command {
	var samples int

	cmd := &cobra.Command{
		Use:   "profile <src>",
		Short: "Measure throughput and classify the network",
		Long: `Download the full-quality variant of a source several times, bypassing the
cache, and classify the measured downlink as a slow, medium or fast network.

Transfers smaller than 16 KiB are dominated by latency and do not count as samples.`,
		Example: `  imgtier profile https://cdn.example.com/large.jpg --samples 5`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if samples < 1 {
				return imgerr.New(imgerr.ErrCodeInvalidInput, "--samples must be at least 1")
			}
			ctx := cmd.Context()

			src := variant.NewSource(args[0])
			v, err := variant.NewResolver(c.cfg.Transform.BaseURL).Resolve(src, variant.StageFull, netprofile.Fast)
			if err != nil {
				return err
			}

			spin := newSpinner(ctx, "Sampling "+v.URL)
			spin.Start()
			res, err := c.measure(ctx, v.URL, samples, func(i int) {
				spin.SetMessage("Sampling %d/%d", i, samples)
			})
			if err != nil {
				spin.StopWithError(imgerr.UserMessage(err))
				return err
			}
			spin.StopWithSuccess(fmt.Sprintf("Network is %s", StyleHighlight.Render(res.Profile.String())))

			if res.Samples == 0 {
				printWarning("no transfer was large enough to measure; assuming %s", res.Profile)
				return nil
			}
			printKeyValue("Downlink", fmt.Sprintf("%.2f Mbps", res.Signal.DownlinkMbps))
			printKeyValue("Latency", res.Signal.RTT.String())
			printKeyValue("Samples", fmt.Sprintf("%d of %d", res.Samples, samples))
			if res.Failed > 0 {
				printDetail("%d request(s) failed", res.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&samples, "samples", "n", defaultProfileSamples, "number of downloads")
	return cmd
}

// measure fetches url n times through an uncached transport and classifies
// the observed throughput. It fails only when every request failed.
func (c *CLI) measure(ctx context.Context, url string, n int, progress func(int)) (profileResult, error) {
	probe := netprofile.NewThroughputProbe()
	fetcher := newHTTPFetcher(c.cfg, c.Logger, probe.Record)

	var (
		res     profileResult
		lastErr error
	)
	for i := 1; i <= n; i++ {
		if progress != nil {
			progress(i)
		}
		if _, err := fetcher.Fetch(ctx, url); err != nil {
			c.Logger.Debug("sample failed", "url", url, "err", err)
			res.Failed++
			lastErr = err
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
		}
	}
	if res.Failed == n {
		return res, lastErr
	}

	est := netprofile.NewEstimator(probe, c.Logger)
	p, err := est.Refresh(ctx)
	if err != nil {
		return res, err
	}
	res.Profile = p
	res.Signal = est.LastSignal()
	res.Samples = probe.Samples()
	return res, nil
}
