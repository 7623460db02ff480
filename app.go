package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/voxmesh/mesh"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	Logger       *logrus.Logger
	Registry     *prometheus.Registry
	Metrics      *mesh.Metrics
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher
	Out          io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile string
	Trajectory string
	OutputFile string
	ReportFile string
	VoxelSize  float64
	HttpMode   bool
	HttpPort   int
}

// NewApp creates a new App writing user-facing output to out.
func NewApp(out io.Writer) *App {
	if out == nil {
		out = io.Discard
	}
	return &App{
		StateTracker: mesh.NewStateTracker(),
		Out:          out,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Trajectory = opts.Trajectory
	a.OutputFile = opts.OutputFile
	a.ReportFile = opts.ReportFile
	a.VoxelSize = opts.VoxelSize
	a.HttpMode = opts.HttpMode
	a.HttpPort = opts.HttpPort
}

// setup loads the config, applies flag overrides and builds the logger and
// metrics registry. A missing config file falls back to defaults.
func (a *App) setup() error {
	if a.Config != nil {
		return nil
	}

	cfg := mesh.DefaultConfig()
	if a.ConfigFile != "" {
		if _, err := os.Stat(a.ConfigFile); err == nil {
			loaded, err := mesh.LoadConfig(a.ConfigFile)
			if err != nil {
				return err
			}
			cfg = loaded
		} else if !os.IsNotExist(err) {
			return errors.Wrap(err, "checking config file")
		}
	}

	if a.Trajectory != "" {
		cfg.Input.Trajectory = a.Trajectory
	}
	if a.OutputFile != "" {
		cfg.Output.Trajectory = a.OutputFile
	}
	if a.ReportFile != "" {
		cfg.Output.Report = a.ReportFile
	}
	if a.VoxelSize > 0 {
		cfg.Octree.VoxelSize = a.VoxelSize
	}
	if a.HttpPort > 0 {
		cfg.HTTP.Port = a.HttpPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := mesh.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.Config = cfg
	a.Logger = logger
	a.Registry = reg
	a.Metrics = mesh.NewMetrics(reg)
	return nil
}

// RunParseOnly loads the pose window and prints one line per pose.
func (a *App) RunParseOnly() error {
	if err := a.setup(); err != nil {
		return err
	}
	if a.Config.Input.Trajectory == "" {
		return errors.New("no trajectory given: use --trajectory or input.trajectory")
	}

	window, err := mesh.LoadWindow(context.Background(), a.Config.Input.Trajectory, a.Config.Input.Workers)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Loaded %d pose(s) from %s\n\n", len(window.Poses), a.Config.Input.Trajectory)
	total := 0
	for i, p := range window.Poses {
		t := p.Translation
		fmt.Fprintf(a.Out, "pose %d: t=%.6f position=(%.3f, %.3f, %.3f) yaw=%.1f° points=%d\n",
			i, p.Timestamp, t.X, t.Y, t.Z, mesh.Yaw(p.Rotation)*180/math.Pi, len(window.Clouds[i]))
		total += len(window.Clouds[i])
	}
	fmt.Fprintf(a.Out, "\nTotal points: %d\n", total)
	return nil
}

// newTrigger builds the refinement pipeline around the current state.
func (a *App) newTrigger() *mesh.RefineTrigger {
	refiner := mesh.NewRefiner(a.Config, a.Logger, a.Metrics)
	return mesh.NewRefineTrigger(a.Config, refiner, a.StateTracker, a.Publisher, a.Logger)
}

// RunRefine performs a single refinement and writes the configured outputs.
func (a *App) RunRefine() error {
	if err := a.setup(); err != nil {
		return err
	}
	a.connectPublisher()
	defer a.disconnect()

	report, err := a.newTrigger().RunOnce(context.Background(), "")
	if err != nil {
		return err
	}
	a.printReport(report)
	return nil
}

func (a *App) printReport(r *mesh.Report) {
	fmt.Fprintf(a.Out, "Refined %d pose(s) from %s\n", r.Poses, r.Trajectory)
	for _, round := range r.Rounds {
		fmt.Fprintf(a.Out, "  round %d: voxels=%d features=%d cost %.6g -> %.6g (%d iterations, %s)\n",
			round.Round, round.Index.Voxels, round.Features,
			round.Optimize.InitialCost, round.Optimize.FinalCost,
			round.Optimize.Iterations, round.Optimize.Reason)
	}
	fmt.Fprintf(a.Out, "Load: %d ms, optimization: %d ms\n", r.LoadMs, r.OptMs)
	if a.Config.Output.Trajectory != "" {
		fmt.Fprintf(a.Out, "Trajectory written to %s\n", a.Config.Output.Trajectory)
	}
}

// connectPublisher starts MQTT when a broker is configured. Failures are
// logged and publishing is skipped.
func (a *App) connectPublisher() {
	client, err := mesh.InitMQTT(a.Config, nil, a.Logger)
	if err != nil {
		a.Logger.WithError(err).Warn("MQTT disabled")
		return
	}
	if client == nil {
		return
	}
	a.MQTTClient = client
	a.Publisher = mesh.NewPublisher(client.GetClient(), client.Prefix(), a.Logger)
}

func (a *App) disconnect() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
}

// restoreState seeds the state tracker from the outputs of a previous run.
func (a *App) restoreState() {
	out := a.Config.Output
	if out.Trajectory == "" {
		return
	}
	f, err := os.Open(out.Trajectory)
	if err != nil {
		return
	}
	defer f.Close()

	poses, err := mesh.ReadTrajectory(f)
	if err != nil {
		a.Logger.WithError(err).Warn("ignoring previous trajectory")
		return
	}
	var report *mesh.Report
	if out.Report != "" {
		if report, err = mesh.LoadReport(out.Report); err != nil {
			a.Logger.WithError(err).Warn("ignoring previous report")
		}
	}
	a.StateTracker.Update(poses, report)
	a.Logger.WithField("poses", len(poses)).Info("restored previous trajectory")
}

// RunService refines once, then serves results and listens for MQTT refine
// triggers until interrupted.
func (a *App) RunService() error {
	if err := a.setup(); err != nil {
		return err
	}
	a.restoreState()
	a.connectPublisher()
	defer a.disconnect()

	trigger := a.newTrigger()
	if a.MQTTClient != nil {
		a.MQTTClient.SetTriggerHandler(trigger.OnTrigger)
	}

	var srv *http.Server
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.StateTracker, a.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.Logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.Logger.WithError(err).Error("HTTP server failed")
			}
		}()
	}

	if a.Config.Input.Trajectory != "" {
		go trigger.OnTrigger("")
	}

	fmt.Fprintln(a.Out, "\nService running. Press Ctrl+C to stop.")
	if a.MQTTClient != nil {
		fmt.Fprintf(a.Out, "  Refine trigger: %s\n", mesh.RefineTopic(a.MQTTClient.Prefix()))
	}
	if srv != nil {
		fmt.Fprintf(a.Out, "  HTTP: http://localhost%s/health\n", srv.Addr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.Out, "\nShutting down...")
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.Logger.WithError(err).Warn("HTTP shutdown")
		}
	}
	return nil
}
