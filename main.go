package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions are the parsed command line flags.
type AppOptions struct {
	ConfigFile string
	Trajectory string
	OutputFile string
	ReportFile string
	VoxelSize  float64
	ParseOnly  bool
	RefineOnly bool
	HttpMode   bool
	HttpPort   int
}

// runner is the surface of App driven by run.
type runner interface {
	ApplyOptions(opts AppOptions)
	RunParseOnly() error
	RunRefine() error
	RunService() error
}

func run(args []string, out io.Writer, app runner) error {
	fs := flag.NewFlagSet("voxmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.Trajectory, "trajectory", "", "Pose CSV to refine (overrides input.trajectory)")
	fs.StringVar(&opts.OutputFile, "output", "", "Refined trajectory output (overrides output.trajectory)")
	fs.StringVar(&opts.ReportFile, "report", "", "JSON run report (overrides output.report)")
	fs.Float64Var(&opts.VoxelSize, "voxel-size", 0, "Root voxel edge length (overrides octree.voxelSize when > 0)")
	fs.BoolVar(&opts.ParseOnly, "parse-only", false, "Load the pose window, print a summary and exit")
	fs.BoolVar(&opts.RefineOnly, "refine", false, "Refine the window once, write outputs and exit")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for results and metrics")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default http.port, 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "voxmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ParseOnly:
		return app.RunParseOnly()
	case opts.RefineOnly:
		return app.RunRefine()
	}

	fmt.Fprintln(out, "voxmesh service starting...")
	return app.RunService()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "voxmesh: %v\n", err)
		os.Exit(1)
	}
}
