package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/kwv/procam/procam"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line
type AppOptions struct {
	ConfigFile     string
	DataDir        string
	Mode           string
	Replay         string
	ReplayInterval time.Duration
	Headless       bool
	HttpMode       bool
	HttpPort       int
	MqttMode       bool
	ShowExtrinsics bool
	ReportPath     string
}

// AppRunner is what run dispatches to
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunAcquire() error
	RunShowExtrinsics() error
	RunReport() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("procam: %v", err)
	}
}

func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("procam", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", procam.DefaultConfigPath, "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data", "", "Directory for calibration files (overrides files.dataDir)")
	fs.StringVar(&opts.Mode, "mode", "", "Entry mode: camera-only, stereo or ar (overrides acquisition.initialMode)")
	fs.StringVar(&opts.Replay, "replay", "", "Replay still images from a directory instead of the camera")
	fs.DurationVar(&opts.ReplayInterval, "replay-interval", 500*time.Millisecond, "Virtual time between replayed images")
	fs.BoolVar(&opts.Headless, "headless", false, "Run without the projector window")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve status, reports and commands over HTTP")
	fs.IntVar(&opts.HttpPort, "port", 0, "HTTP port (overrides http.port)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Enable MQTT commands and status")
	fs.BoolVar(&opts.ShowExtrinsics, "show-extrinsics", false, "Print the saved extrinsics and exit")
	fs.StringVar(&opts.ReportPath, "report", "", "Write a coverage report (.svg or .png) from saved calibrations and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "procam version: %s\n", Version)
	if *showVersion {
		return nil
	}

	if opts.Mode != "" {
		if _, err := procam.ParseEntryState(opts.Mode); err != nil {
			return err
		}
	}

	app.ApplyOptions(opts)

	switch {
	case opts.ShowExtrinsics:
		return app.RunShowExtrinsics()
	case opts.ReportPath != "":
		return app.RunReport()
	default:
		fmt.Fprintln(out, "procam acquisition starting...")
		return app.RunAcquire()
	}
}
