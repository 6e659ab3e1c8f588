// Command forge is the thin CLI frontend over the build core: it loads
// a workspace manifest, wires the langs.* LanguageHandlers into
// forge.Services, and drives Build to completion. Verb dispatch and
// profiling flags are modeled directly on distri's own cmd/distri/distri.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/fortyweight/forge/internal/oninterrupt"
)

var (
	debug      = flag.Bool("debug", false, "print errors with additional detail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
)

func funcmain() int {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	type verb struct {
		fn func(ctx context.Context, args []string) (int, error)
	}
	verbs := map[string]verb{
		"build":  {cmdBuild},
		"resume": {cmdResume},
	}

	args := flag.Args()
	name := "build"
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	v, ok := verbs[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		fmt.Fprintf(os.Stderr, "syntax: forge [-flags] <build|resume> [options]\n")
		return 2
	}

	token := oninterrupt.NewToken(context.Background())
	token.Listen()

	code, err := v.fn(token.Context(), args)
	if err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "%s: %+v\n", name, err)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		}
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	return code
}

func main() {
	os.Exit(funcmain())
}
