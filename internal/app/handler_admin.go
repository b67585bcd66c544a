package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/olla-router/olla/internal/core/constants"
	"github.com/olla-router/olla/internal/core/domain"
)

// writeJSON writes v as a JSON body with status, for the admin/observability
// surface — every handler here is a thin adapter with no business logic of
// its own; the read handlers only report state, the POST handlers delegate
// their change to the owning component.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set(constants.ContentTypeHeader, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *Application) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *Application) statusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := a.discoveryService.GetHealthStatus(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *Application) serversHandler(w http.ResponseWriter, r *http.Request) {
	endpoints, err := a.repository.GetAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (a *Application) removeServerHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing id query parameter")
		return
	}
	a.orch.RemoveServer(id)
	a.breakers.RemoveByPrefix(id)
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (a *Application) drainHandler(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}
	if err := a.orch.Drain(r.Context(), timeout); err != nil {
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (a *Application) undrainHandler(w http.ResponseWriter, _ *http.Request) {
	a.orch.Undrain()
	writeJSON(w, http.StatusOK, map[string]string{"status": "serving"})
}

func (a *Application) breakersHandler(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]domain.BreakerSnapshot)
	for key, b := range a.breakers.All() {
		out[key] = b.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Application) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing key query parameter")
		return
	}
	a.breakers.Reset(key)
	writeJSON(w, http.StatusOK, map[string]string{"reset": key})
}

func (a *Application) breakerForceCloseHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing id query parameter")
		return
	}
	a.breakers.ForceCloseTree(id)
	writeJSON(w, http.StatusOK, map[string]string{"forced_closed": id})
}

func (a *Application) bansHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.orch.Bans())
}

func (a *Application) banRemoveHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing key query parameter")
		return
	}
	a.orch.RemoveBan(key)
	writeJSON(w, http.StatusOK, map[string]string{"removed": key})
}

func (a *Application) banClearHandler(w http.ResponseWriter, _ *http.Request) {
	a.orch.ClearBans()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (a *Application) queueStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.Stats())
}

func (a *Application) queuePauseHandler(w http.ResponseWriter, _ *http.Request) {
	a.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *Application) queueResumeHandler(w http.ResponseWriter, _ *http.Request) {
	a.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (a *Application) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.aggregator.SnapshotAll())
}

func (a *Application) globalMetricsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.aggregator.Global())
}

func (a *Application) decisionsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.decisionHistory.All())
}

func (a *Application) requestsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.requestHistory.All())
}

func (a *Application) configHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.config())
}
