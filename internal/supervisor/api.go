package supervisor

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusResponse is the coarse health summary served on /api/status.
type StatusResponse struct {
	Status          string `json:"status"`
	PID             int    `json:"pid"`
	Port            int    `json:"port"`
	Chunk           int    `json:"chunk"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	MonitorsRunning int    `json:"monitors_running"`
	CacheItems      int    `json:"cache_items"`
	CacheFresh      bool   `json:"cache_fresh"`
	Version         string `json:"version"`
	InstanceID      string `json:"instance_id"`
}

// router builds the admin API surface. Shutdown requests land on the
// supervisor's shutdown channel; the handler returns before the process
// starts draining.
func (s *Supervisor) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/api/test-notification/{id:[0-9]+}", s.handleTestNotification).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:        "ok",
		PID:           os.Getpid(),
		Port:          s.port,
		Chunk:         s.chunk,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Version:       s.version,
		InstanceID:    s.instanceID,
	}
	if s.sched != nil {
		resp.MonitorsRunning = s.sched.RunningCount()
	}
	if s.cache != nil {
		resp.CacheItems = len(s.cache.Snapshot())
		resp.CacheFresh = s.cache.Fresh()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Encoding status response failed")
	}
}

// handleTestNotification pushes a synthetic alert for one monitor through
// every configured channel. Delivery errors come back per channel so an
// operator can tell a bad chat id from a dead SMTP host in one call.
func (s *Supervisor) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil || s.cache == nil {
		http.Error(w, "instance still starting", http.StatusServiceUnavailable)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid monitor id", http.StatusBadRequest)
		return
	}

	item, err := s.cache.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "looking up monitor failed", http.StatusInternalServerError)
		return
	}
	if item == nil {
		http.Error(w, "unknown monitor", http.StatusNotFound)
		return
	}

	log.Info().Int64("monitor_id", id).Msg("Test notification requested via admin API")
	results := s.notifier.SendTest(r.Context(), item)

	out := make(map[string]string, len(results))
	for channel, sendErr := range results {
		if sendErr != nil {
			out[channel] = sendErr.Error()
			continue
		}
		out[channel] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"monitor_id": id, "channels": out}); err != nil {
		log.Error().Err(err).Msg("Encoding test notification response failed")
	}
}

func (s *Supervisor) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	log.Info().Msg("Shutdown requested via admin API")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"shutting down"}`))
	s.requestShutdown()
}
