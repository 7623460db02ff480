package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kwv/voxmesh/mesh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newHTTPServer creates the HTTP mux serving refinement results.
// gatherer may be nil, in which case /metrics is not registered.
func newHTTPServer(stateTracker *mesh.StateTracker, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":    "ok",
			"hasResult": stateTracker.HasResult(),
			"running":   stateTracker.Running(),
			"poses":     len(stateTracker.GetPoses()),
		}
		if at := stateTracker.UpdatedAt(); !at.IsZero() {
			status["updatedAt"] = at.Format(time.RFC3339)
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/trajectory.json", func(w http.ResponseWriter, r *http.Request) {
		if !stateTracker.HasResult() {
			http.Error(w, "no refined trajectory yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, mesh.PoseRecords(stateTracker.GetPoses()))
	})

	mux.HandleFunc("/trajectory.geojson", func(w http.ResponseWriter, r *http.Request) {
		if !stateTracker.HasResult() {
			http.Error(w, "no refined trajectory yet", http.StatusServiceUnavailable)
			return
		}
		data, err := mesh.TrajectoryToFeatureCollection(stateTracker.GetPoses()).MarshalJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("/report.json", func(w http.ResponseWriter, r *http.Request) {
		report := stateTracker.GetReport()
		if report == nil {
			http.Error(w, "no report yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, report)
	})

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
