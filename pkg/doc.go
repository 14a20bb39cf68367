// Package pkg provides the libraries behind imgtier progressive image delivery.
//
// # Overview
//
// imgtier shows an image as quickly as possible and then improves it. A
// source is resolved into four quality tiers (placeholder, thumbnail,
// preview, full) on an on-the-fly transformation endpoint. Each tier is
// verified with a real request before it is displayed, and the parameters of
// the larger tiers shrink on slow networks.
//
//  1. [variant] - Stages, presets and variant URL construction
//  2. [netprofile] - Network classification (slow, medium, fast)
//  3. [fetch] - Probe transport with retries and image sniffing
//  4. [sequencer] - Stage loop, supersession tokens and cancellation
//  5. [controller] - Render-facing state and callbacks
//  6. [cache] - Verification cache backends (memory, file, Redis)
//  7. [server] - HTTP API
//
// # Data Flow
//
//	Source descriptor
//	         ↓
//	    [variant] Resolver (URL per stage, scaled by [netprofile])
//	         ↓
//	    [fetch] Fetcher (verify bytes are an image)
//	         ↓
//	    [sequencer] Sequencer (commit, skip or give up)
//	         ↓
//	    [controller] Controller (stage, isLoading, error)
//
// # Quick Start
//
//	import (
//	    "github.com/matzehuels/imgtier/pkg/controller"
//	    "github.com/matzehuels/imgtier/pkg/fetch"
//	    "github.com/matzehuels/imgtier/pkg/sequencer"
//	    "github.com/matzehuels/imgtier/pkg/variant"
//	)
//
//	ctl := controller.New(variant.NewResolver("https://img.example.com"), fetch.NewHTTPFetcher(),
//	    controller.WithCallbacks(controller.Callbacks{
//	        OnStageChange: func(s variant.Stage) { fmt.Println("showing", s) },
//	    }))
//	defer ctl.Close()
//
//	ctl.Load(ctx, variant.NewSource("photos/cat.jpg"), sequencer.Options{})
//	ctl.Wait()
//
// Supporting packages: [errors] for coded errors, [config] for the TOML
// configuration, [observability] for hooks and Prometheus metrics, [diagram]
// for the session state machine, and [buildinfo] for version stamping.
//
// [variant]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/variant
// [netprofile]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/netprofile
// [fetch]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/fetch
// [sequencer]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/sequencer
// [controller]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/controller
// [cache]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/cache
// [server]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/server
// [errors]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/errors
// [config]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/config
// [observability]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/observability
// [diagram]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/diagram
// [buildinfo]: https://pkg.go.dev/github.com/matzehuels/imgtier/pkg/buildinfo
package pkg
