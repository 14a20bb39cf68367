package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/matzehuels/imgtier/pkg/observability"
	"github.com/matzehuels/imgtier/pkg/server"
)

// serveCommand creates the serve command.
func (c *CLI) serveCommand() *cobra.Command {
	var (
		addr    string
		profile string
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the resolver and the load pipeline over HTTP.

  GET /v1/resolve?src=...   per-stage variant URLs
  GET /v1/load?src=...      NDJSON stream of load states
  GET /v1/diagram           session state machine (format=dot|svg)
  GET /healthz              liveness
  GET /metrics              Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = c.cfg.Server.Addr
			}

			prom := observability.NewPrometheus(prometheus.DefaultRegisterer)
			observability.SetSequencerHooks(prom)
			observability.SetCacheHooks(prom)
			observability.SetHTTPHooks(prom)

			st, err := c.newStack(ctx, stackOptions{profile: profile, noCache: noCache})
			if err != nil {
				return err
			}
			defer st.Close()
			st.watch(ctx, c.cfg.Network.SampleInterval)

			srv := server.New(st.resolver, st.fetcher,
				server.WithEstimator(st.estimator),
				server.WithLogger(c.Logger),
				server.WithDefaults(c.cfg.LoadOptions()),
				server.WithGatherer(prometheus.DefaultGatherer),
			)
			printInfo("Serving on %s", StyleHighlight.Render(addr))
			printNextStep("Try", "curl 'http://localhost"+addr+"/v1/resolve?src=<image>'")
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "pin the network profile (slow, medium, fast, auto)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the probe cache")
	return cmd
}
