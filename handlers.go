package main

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/kwv/annomerge/consensus"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *consensus.Tracker, config *consensus.Config, engine *consensus.Engine) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			SourceCount int       `json:"sourceCount"`
			HasResult   bool      `json:"hasResult"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			SourceCount: tracker.SourceCount(),
			HasResult:   tracker.GetResult() != nil,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Merged consensus dataset endpoint
	mux.HandleFunc("/consensus.json", func(w http.ResponseWriter, r *http.Request) {
		result := tracker.GetResult()
		if result == nil {
			http.Error(w, "No merged result available", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(result.Merged); err != nil {
			log.Printf("Error encoding consensus dataset: %v", err)
		}
	})

	// Merge report endpoint
	mux.HandleFunc("/report.json", func(w http.ResponseWriter, r *http.Request) {
		result := tracker.GetResult()
		if result == nil {
			http.Error(w, "No merged result available", http.StatusServiceUnavailable)
			return
		}

		sources := tracker.GetSources()
		names := make([]string, len(sources))
		for i := range sources {
			names[i] = sources[i].Name
		}

		report := consensus.BuildReport(result, engine.Settings(), names)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Printf("Error encoding merge report: %v", err)
		}
	})

	// Rendered consensus annotations endpoint
	mux.HandleFunc("/consensus.png", func(w http.ResponseWriter, r *http.Request) {
		result := tracker.GetResult()
		if result == nil {
			http.Error(w, "No merged result available", http.StatusServiceUnavailable)
			return
		}

		item := itemForRequest(result, r)
		if item == nil {
			http.Error(w, "No merged item with that key", http.StatusNotFound)
			return
		}

		renderer := consensus.NewItemRenderer(item, result.Merged.Schema)

		img := renderer.Render()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding consensus PNG: %v", err)
		}
	})

	// Vector consensus annotations endpoint
	mux.HandleFunc("/consensus.svg", func(w http.ResponseWriter, r *http.Request) {
		result := tracker.GetResult()
		if result == nil {
			http.Error(w, "No merged result available", http.StatusServiceUnavailable)
			return
		}

		item := itemForRequest(result, r)
		if item == nil {
			http.Error(w, "No merged item with that key", http.StatusNotFound)
			return
		}

		renderer := consensus.NewVectorRenderer(item, result.Merged.Schema)

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding consensus SVG: %v", err)
		}
	})

	// Per-source overlay endpoint
	mux.HandleFunc("/sources.png", func(w http.ResponseWriter, r *http.Request) {
		sources := tracker.GetSources()
		if len(sources) == 0 {
			http.Error(w, "No annotation sources available", http.StatusServiceUnavailable)
			return
		}

		key := r.URL.Query().Get("item")
		if key == "" {
			// Default to the first merged item, falling back to the first
			// item of the first source
			if result := tracker.GetResult(); result != nil && len(result.Merged.Items) > 0 {
				key = result.Merged.Items[0].Key
			} else if len(sources[0].Items) > 0 {
				key = sources[0].Items[0].Key
			}
		}
		if key == "" {
			http.Error(w, "No items available", http.StatusServiceUnavailable)
			return
		}

		renderer := consensus.NewSourceOverlayRenderer(sources, key)
		applySourceColors(renderer, config)

		img := renderer.Render()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding sources PNG: %v", err)
		}
	})

	// Default route serves HTML page embedding the consensus image
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>annomerge</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/consensus.svg" alt="Consensus Annotations">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// itemForRequest resolves the ?item=KEY query parameter against the merged
// dataset, defaulting to the first item
func itemForRequest(result *consensus.Result, r *http.Request) *consensus.Item {
	key := r.URL.Query().Get("item")
	if key == "" {
		if len(result.Merged.Items) == 0 {
			return nil
		}
		return &result.Merged.Items[0]
	}
	return result.Merged.ItemByKey(key)
}

// applySourceColors applies source colors from config to the overlay renderer
func applySourceColors(renderer *consensus.SourceOverlayRenderer, config *consensus.Config) {
	if config == nil {
		return
	}
	for _, sc := range config.Sources {
		if sc.Color != "" {
			renderer.SetColor(sc.Name, sc.Color)
		}
	}
}
