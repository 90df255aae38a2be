package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kwv/annomerge/consensus"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *consensus.Config
	Engine     *consensus.Engine
	Tracker    *consensus.Tracker
	MQTTClient *consensus.MQTTClient
	Publisher  *consensus.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	DataDir      string
	OutputFile   string
	OutputDir    string
	ReportFile   string
	ResultCache  string
	RenderKey    string
	RenderFormat string
	VectorFormat string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// AppOptions carries parsed CLI flags into an App
type AppOptions struct {
	ConfigFile   string
	DataDir      string
	OutputFile   string
	OutputDir    string
	ReportFile   string
	ResultCache  string
	RenderKey    string
	RenderFormat string
	VectorFormat string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker: consensus.NewTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.OutputFile = opts.OutputFile
	a.OutputDir = opts.OutputDir
	a.ReportFile = opts.ReportFile
	a.ResultCache = opts.ResultCache
	a.RenderKey = opts.RenderKey
	a.RenderFormat = opts.RenderFormat
	a.VectorFormat = opts.VectorFormat
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// RunParseOnly finds and parses all annotation exports
func (a *App) RunParseOnly() {
	files := a.findExports()
	if len(files) == 0 {
		log.Fatal("No annotations-*.json files found")
	}

	fmt.Printf("Found %d annotation export(s)\n\n", len(files))
	for _, f := range files {
		a.parseAndPrint(f)
	}
}

// parseAndPrint parses a single export and prints its statistics
func (a *App) parseAndPrint(path string) {
	fmt.Printf("=== %s ===\n", filepath.Base(path))

	src, err := consensus.ParseSourceFile(path)
	if err != nil {
		fmt.Printf("  ERROR: %v\n\n", err)
		return
	}
	if name := sourceNameFromFilename(path); name != "" {
		src.Name = name
	}

	annotations := 0
	countsByType := make(map[string]int)
	for i := range src.Items {
		item := &src.Items[i]
		annotations += len(item.Annotations)
		for j := range item.Annotations {
			countsByType[item.Annotations[j].Type.String()]++
		}
	}

	fmt.Printf("  Source: %s\n", src.Name)
	fmt.Printf("  Labels: %d (%s)\n", src.Schema.Len(), strings.Join(src.Schema.Labels, ", "))
	fmt.Printf("  Items: %d, Annotations: %d\n", len(src.Items), annotations)
	for _, t := range []string{"tag", "box", "polygon", "polyline", "points", "mask", "skeleton"} {
		if n := countsByType[t]; n > 0 {
			fmt.Printf("    %-9s %d\n", t, n)
		}
	}
	fmt.Println()
}

// RunMerge loads all exports, merges them and writes the consensus dataset
func (a *App) RunMerge() {
	sources := a.loadInitialSources()
	if len(sources) == 0 {
		log.Fatal("No annotations-*.json files found")
	}

	settings := a.resolveSettings()
	engine, err := consensus.New(settings)
	if err != nil {
		log.Fatalf("Invalid merge settings: %v", err)
	}

	result, err := engine.Merge(sources)
	if err != nil {
		log.Fatalf("Merge failed: %v", err)
	}

	if err := consensus.SaveDataset(a.OutputFile, result.Merged); err != nil {
		log.Fatalf("Failed to write %s: %v", a.OutputFile, err)
	}

	summary := consensus.SummarizeDataset(result.Merged)
	fmt.Printf("Merged %d source(s) -> %s\n", len(sources), a.OutputFile)
	fmt.Printf("  Items: %d, Annotations: %d, Labels: %d\n",
		summary.ItemCount, summary.AnnotationCount, summary.LabelCount)
	fmt.Printf("  Mean score: %.3f\n", summary.MeanScore)
	for i, src := range sources {
		fmt.Printf("  %s: consensus score %.3f\n", src.Name, result.SourceScores[i])
	}
	if len(result.Errors) > 0 {
		fmt.Printf("  Conflicts: %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("    - %v\n", e)
		}
	}

	if a.ReportFile != "" {
		names := make([]string, len(sources))
		for i := range sources {
			names[i] = sources[i].Name
		}
		report := consensus.BuildReport(result, settings, names)
		if err := report.Save(a.ReportFile); err != nil {
			log.Fatalf("Failed to write report: %v", err)
		}
	}
}

// RunRender merges all exports and renders the consensus annotations
func (a *App) RunRender() {
	sources := a.loadInitialSources()
	if len(sources) == 0 {
		log.Fatal("No annotations-*.json files found")
	}

	settings := a.resolveSettings()
	engine, err := consensus.New(settings)
	if err != nil {
		log.Fatalf("Invalid merge settings: %v", err)
	}

	result, err := engine.Merge(sources)
	if err != nil {
		log.Fatalf("Merge failed: %v", err)
	}

	rendered := 0
	for i := range result.Merged.Items {
		item := &result.Merged.Items[i]
		if a.RenderKey != "" && item.Key != a.RenderKey {
			continue
		}

		stem := filepath.Join(a.OutputDir, "consensus-"+sanitizeKey(item.Key))

		if a.RenderFormat == "raster" || a.RenderFormat == "both" {
			renderer := consensus.NewItemRenderer(item, result.Merged.Schema)
			out := stem + ".png"
			if err := renderer.SavePNG(out); err != nil {
				log.Fatalf("Failed to render %s: %v", out, err)
			}
			fmt.Printf("Rendered %s\n", out)
		}

		if a.RenderFormat == "vector" || a.RenderFormat == "both" {
			renderer := consensus.NewVectorRenderer(item, result.Merged.Schema)
			if a.VectorFormat == "png" {
				out := stem + "-vector.png"
				f, err := os.Create(out)
				if err != nil {
					log.Fatalf("Failed to create %s: %v", out, err)
				}
				if err := renderer.RenderToPNG(f); err != nil {
					_ = f.Close()
					log.Fatalf("Failed to render %s: %v", out, err)
				}
				_ = f.Close()
				fmt.Printf("Rendered %s\n", out)
			} else {
				out := stem + ".svg"
				if err := renderer.SaveSVG(out); err != nil {
					log.Fatalf("Failed to render %s: %v", out, err)
				}
				fmt.Printf("Rendered %s\n", out)
			}
		}

		// Per-source overlay for inspecting disagreement
		overlay := consensus.NewSourceOverlayRenderer(sources, item.Key)
		applySourceColors(overlay, a.Config)
		out := filepath.Join(a.OutputDir, "sources-"+sanitizeKey(item.Key)+".png")
		if err := overlay.SavePNG(out); err != nil {
			log.Fatalf("Failed to render %s: %v", out, err)
		}
		fmt.Printf("Rendered %s\n", out)

		rendered++
	}

	if rendered == 0 {
		if a.RenderKey != "" {
			log.Fatalf("No merged item with key %q", a.RenderKey)
		}
		log.Fatal("Nothing to render: merged dataset is empty")
	}
}

// RunService starts the combined MQTT and/or HTTP service
func (a *App) RunService() {
	fmt.Println("Starting annomerge service...")

	// 1. Resolve configuration paths relative to data-dir if provided
	resolvedConfig, resolvedCache := a.resolveServicePaths()

	// 2. Load config.yaml (required)
	config, err := consensus.LoadConfig(resolvedConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, resolvedConfig)
	}
	a.Config = config
	log.Printf("Loaded config from %s", resolvedConfig)

	// 3. Build the merge engine from configured settings
	engine, err := consensus.New(config.Merge)
	if err != nil {
		log.Fatalf("Invalid merge settings: %v", err)
	}
	a.Engine = engine

	// 4. Create the tracker, restoring the last merged result if cached
	a.Tracker = consensus.NewTrackerWithCache(resolvedCache)
	if a.Tracker.GetResult() != nil {
		log.Printf("Loaded cached result from %s", resolvedCache)
	} else {
		log.Printf("No cached result at %s, starting empty", resolvedCache)
	}

	// 5. Load initial annotation exports if available
	initial := a.loadInitialSources()
	for _, src := range initial {
		a.Tracker.UpdateSource(src)
	}
	if len(initial) > 0 {
		fmt.Printf("Loaded %d initial annotation export(s)\n", len(initial))
		if result, err := a.Tracker.Remerge(a.Engine); err != nil {
			log.Printf("Initial merge failed: %v", err)
		} else {
			log.Printf("Initial merge: %d items, %d conflicts",
				len(result.Merged.Items), len(result.Errors))
		}
	}

	// 6. Start MQTT if enabled
	if a.MqttMode {
		// Message handler updates the tracker and remerges on every feed
		messageHandler := func(sourceName string, rawPayload []byte, src *consensus.Source, err error) {
			if err != nil {
				log.Printf("Error receiving annotations for %s: %v", sourceName, err)
				return
			}

			a.Tracker.UpdateSource(*src)

			annotations := 0
			for i := range src.Items {
				annotations += len(src.Items[i].Annotations)
			}
			log.Printf("%s: %d items, %d annotations", sourceName, len(src.Items), annotations)

			a.remergeAndPublish()
		}

		mqttClient, err := consensus.InitMQTT(config, messageHandler)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = mqttClient

		mqttClient.SetRemergeHandler(func() {
			a.remergeAndPublish()
		})

		a.Publisher = consensus.NewPublisher(mqttClient.GetClient())
		fmt.Println("MQTT result publisher initialized")
	}

	// 7. Start HTTP server if enabled
	if a.HttpMode {
		httpServer := newHTTPServer(a.Tracker, a.Config, a.Engine)
		go func() {
			addr := fmt.Sprintf(":%d", a.HttpPort)
			fmt.Printf("HTTP server starting on %s\n", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	// 8. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for _, sc := range config.Sources {
			fmt.Printf("    - %s (%s)\n", sc.Topic, sc.Name)
		}
		publishPrefix := config.MQTT.PublishPrefix
		if publishPrefix == "" {
			publishPrefix = "annomerge"
		}
		fmt.Printf("  Publishing items to: %s/items/{key}\n", publishPrefix)
		fmt.Printf("  Summary: %s/summary\n", publishPrefix)
		fmt.Printf("  Conflicts: %s/conflicts\n", publishPrefix)
		fmt.Printf("  Remerge trigger: %s/remerge\n", publishPrefix)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health         - Health check")
		fmt.Println("  GET /consensus.json - Merged consensus dataset")
		fmt.Println("  GET /report.json    - Merge report with conflicts")
		fmt.Println("  GET /consensus.png  - Rendered consensus annotations")
		fmt.Println("  GET /consensus.svg  - Vector consensus annotations")
		fmt.Println("  GET /sources.png    - Per-source overlay")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	// 9. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}

// resolveServicePaths resolves the config and cache paths against the data
// directory. Paths still at their defaults move under data-dir; explicit
// paths are left alone.
func (a *App) resolveServicePaths() (configPath, cachePath string) {
	configPath = a.ConfigFile
	cachePath = a.ResultCache
	if a.DataDir != "." {
		if configPath == "config.yaml" {
			configPath = filepath.Join(a.DataDir, "config.yaml")
		}
		if cachePath == ".consensus-cache.json" {
			cachePath = filepath.Join(a.DataDir, ".consensus-cache.json")
		}
	}
	return configPath, cachePath
}

// remergeAndPublish recomputes the consensus and publishes the result
func (a *App) remergeAndPublish() {
	result, err := a.Tracker.Remerge(a.Engine)
	if err != nil {
		log.Printf("Merge failed: %v", err)
		return
	}

	log.Printf("Merged %d source(s): %d items, %d conflicts",
		a.Tracker.SourceCount(), len(result.Merged.Items), len(result.Errors))

	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(result); err != nil {
			log.Printf("Error publishing result: %v", err)
		}
	}
}

// findExports locates annotation export files in the data directory
func (a *App) findExports() []string {
	pattern := filepath.Join(a.DataDir, "annotations-*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		log.Fatalf("Error finding annotation exports: %v", err)
	}

	if len(files) == 0 {
		// Try current directory
		files, _ = filepath.Glob("annotations-*.json")
	}

	return files
}

// loadInitialSources parses all annotation exports from the data directory
func (a *App) loadInitialSources() []consensus.Source {
	var sources []consensus.Source

	for _, f := range a.findExports() {
		src, err := consensus.ParseSourceFile(f)
		if err != nil {
			log.Printf("Warning: skipping %s: %v", f, err)
			continue
		}
		if name := sourceNameFromFilename(f); name != "" {
			src.Name = name
		}
		sources = append(sources, *src)
		log.Printf("Loaded %s (%d items)", f, len(src.Items))
	}

	return sources
}

// resolveSettings loads merge settings from the config file, falling back to
// defaults when no config exists
func (a *App) resolveSettings() consensus.Settings {
	config, err := consensus.LoadConfig(a.ConfigFile)
	if err != nil {
		log.Printf("No usable config (%v), using default merge settings", err)
		return consensus.DefaultSettings()
	}
	a.Config = config
	return config.Merge
}

// sourceNameFromFilename extracts the source name from an export filename
// like "annotations-alice.json"
func sourceNameFromFilename(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".json")
	return strings.TrimPrefix(base, "annotations-")
}

// sanitizeKey makes an item key safe to use in a filename
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, key)
}
