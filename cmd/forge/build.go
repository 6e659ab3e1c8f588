package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	forge "github.com/fortyweight/forge"
	"github.com/fortyweight/forge/internal/events"
)

// cmdBuild parses its own flag set (distri's verb functions each own a
// private *flag.FlagSet rather than sharing the top-level one) and
// drives one Services.Build to completion, printing per-target events
// as they arrive.
func cmdBuild(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace root (default: discovered from the current directory)")
	manifest := fs.String("manifest", "", "path to the workspace manifest (default: forge.{yaml,json,toml} under -workspace)")
	jobs := fs.Int("jobs", 0, "max parallel actions (default: manifest's max_jobs, or 1)")
	verbose := fs.Bool("verbose", false, "log every target transition, not just failures")
	resume := fs.Bool("resume", false, "carry forward unchanged targets from the last checkpoint")
	fs.Parse(args)

	svc, err := newServicesFromFlags(*workspace, *manifest, *jobs)
	if err != nil {
		return int(forge.ExitConfigError), err
	}

	if *resume {
		summary, err := svc.Resume(nil)
		if err != nil {
			return int(forge.ExitInternalError), fmt.Errorf("resume: %w", err)
		}
		svc.Logger.Printf("resume: %d carried over, %d to rebuild, %d invalidated",
			summary.CarriedOver, summary.Rebuilt, summary.Invalidated)
	}

	done := make(chan struct{})
	go printEvents(svc.Bus, *verbose, done)

	result, err := svc.Build(ctx)
	close(done)

	if err != nil {
		return int(forge.ExitInternalError), err
	}
	svc.Logger.Printf("build finished: %d succeeded, %d failed, %d not run",
		result.Succeeded, result.Failed, result.NotRun)
	if result.Failed > 0 {
		return int(forge.ExitBuildFailure), nil
	}
	return int(forge.ExitSuccess), nil
}

// cmdResume reports what a resume would carry forward without
// building anything, for inspecting a checkpoint out of band.
func cmdResume(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	workspace := fs.String("workspace", "", "workspace root (default: discovered from the current directory)")
	manifest := fs.String("manifest", "", "path to the workspace manifest")
	fs.Parse(args)

	svc, err := newServicesFromFlags(*workspace, *manifest, 0)
	if err != nil {
		return int(forge.ExitConfigError), err
	}
	summary, err := svc.Resume(nil)
	if err != nil {
		return int(forge.ExitInternalError), err
	}
	fmt.Printf("carried over: %d\nto rebuild:   %d\ninvalidated:  %d\n",
		summary.CarriedOver, summary.Rebuilt, summary.Invalidated)
	return int(forge.ExitSuccess), nil
}

func printEvents(bus *events.Bus, verbose bool, done <-chan struct{}) {
	sub := bus.Subscribe(0)
	defer sub.Close()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			logEvent(ev, verbose)
		case <-done:
			return
		}
	}
}

func logEvent(ev events.Event, verbose bool) {
	switch ev.Kind {
	case events.KindTargetFailed:
		log.Printf("FAIL  %s: %s", ev.Target.TargetId, ev.Target.Error)
	case events.KindTargetCompleted:
		if verbose {
			log.Printf("OK    %s", ev.Target.TargetId)
		}
	case events.KindTargetCached:
		if verbose {
			log.Printf("CACHE %s", ev.Target.TargetId)
		}
	case events.KindTargetStarted:
		if verbose {
			log.Printf("START %s", ev.Target.TargetId)
		}
	}
}

// newServicesFromFlags resolves the workspace root, loads its manifest,
// applies CLI overrides, and wires the reference LanguageHandlers.
func newServicesFromFlags(workspace, manifest string, jobs int) (*forge.Services, error) {
	root, err := resolveWorkspaceRoot(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}

	config, err := loadManifest(root, manifest)
	if err != nil {
		return nil, err
	}
	if jobs > 0 {
		config.Options.MaxJobs = jobs
	}

	logger := log.New(os.Stderr, "forge: ", log.LstdFlags)
	return forge.NewServices(config, defaultHandlers(), defaultParsers(), logger)
}
