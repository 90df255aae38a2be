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

// appRunner is the surface of App that run dispatches to, split out so
// tests can substitute a mock
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunParseOnly()
	RunMerge()
	RunRender()
	RunService()
}

func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("annomerge", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", "config.yaml", "Path to configuration file")
	parseOnly := fs.Bool("parse-only", false, "Parse annotation exports and exit (test mode)")
	mergeOnly := fs.Bool("merge", false, "Merge annotation exports into a consensus dataset and exit")
	renderOnly := fs.Bool("render", false, "Render merged annotations as images and exit")
	renderKey := fs.String("render-key", "", "Item key to render (default: all items)")
	outputFile := fs.String("output", "consensus.json", "Output file for --merge mode")
	outputDir := fs.String("output-dir", ".", "Directory for rendered images")
	dataDir := fs.String("data-dir", ".", "Directory containing annotation exports")
	reportFile := fs.String("report", "", "Write a merge report JSON to this path")
	resultCache := fs.String("result-cache", ".consensus-cache.json", "Path to merged result cache file")
	mqttMode := fs.Bool("mqtt", false, "Run MQTT service mode for live annotation feeds")
	httpMode := fs.Bool("http", false, "Enable HTTP server for serving merge results")
	httpPort := fs.Int("http-port", 8080, "HTTP server port (default 8080)")
	renderFormat := fs.String("format", "raster", "Render format: raster, vector, or both")
	vectorFormat := fs.String("vector-format", "svg", "Vector output format: svg or png")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "annomerge version: %s\n", Version)

	app.ApplyOptions(AppOptions{
		ConfigFile:   *configFile,
		DataDir:      *dataDir,
		OutputFile:   *outputFile,
		OutputDir:    *outputDir,
		ReportFile:   *reportFile,
		ResultCache:  *resultCache,
		RenderKey:    *renderKey,
		RenderFormat: *renderFormat,
		VectorFormat: *vectorFormat,
		HttpPort:     *httpPort,
		MqttMode:     *mqttMode,
		HttpMode:     *httpMode,
	})

	switch {
	case *parseOnly:
		app.RunParseOnly()
	case *mergeOnly:
		app.RunMerge()
	case *renderOnly:
		app.RunRender()
	case *mqttMode || *httpMode:
		app.RunService()
	default:
		fmt.Fprintln(out, "annomerge service starting...")
		fmt.Fprintln(out, "Use --parse-only to test annotation export parsing")
		fmt.Fprintln(out, "Use --merge to write the consensus dataset")
		fmt.Fprintln(out, "Use --render to output annotated images")
		fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
		fmt.Fprintln(out, "Use --http to run HTTP server mode")
		fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - MQTT settings, source topics and merge thresholds")
		fmt.Fprintln(out, "  .consensus-cache.json - Last merged result (cached)")
	}

	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
}
