package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/mutation"
	"github.com/maxpert/changefeed/observer"
	"github.com/maxpert/changefeed/relay"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

// Registry is the view of an observer registry served by the admin API
type Registry interface {
	Subscriptions() []observer.Subscription
	UnregisterObserver(id uuid.UUID) bool
	CleanSubscribers() int
	VisibleVersion() int64
	Stats() telemetry.RegistryStats
}

// Relay exposes the relay workers
type Relay interface {
	Workers() []relay.WorkerInfo
}

// Log exposes the durable mutation log of a scope
type Log interface {
	Commit(mutations ...capture.Mutation) (int64, []capture.Mutation, error)
	CommittedVersion() int64
	Horizon() int64
	Cursors() (map[string]capture.Position, error)
}

// maxCommitBody bounds the size of an encoded batch accepted by the commit endpoint
const maxCommitBody = 16 << 20

// AdminHandlers serves registry, relay and log state
type AdminHandlers struct {
	registries map[string]Registry
	logs       map[string]Log
	relay      Relay
}

// NewAdminHandlers creates a new AdminHandlers instance. Registries and logs
// are keyed by scope; relay may be nil.
func NewAdminHandlers(registries map[string]Registry, logs map[string]Log, relay Relay) *AdminHandlers {
	return &AdminHandlers{
		registries: registries,
		logs:       logs,
		relay:      relay,
	}
}

// getRegistry resolves the registry of a scope
func (h *AdminHandlers) getRegistry(scope string) (Registry, error) {
	if scope == "" {
		return nil, fmt.Errorf("scope is required")
	}
	registry, ok := h.registries[scope]
	if !ok {
		return nil, fmt.Errorf("scope '%s' not found", scope)
	}
	return registry, nil
}

type scopeStats struct {
	Scope          string `json:"scope"`
	VisibleVersion int64  `json:"visible_version"`
	RingItems      int    `json:"ring_items"`
	Subscriptions  int    `json:"subscriptions"`
}

// handleScopes lists every registry with its counters
func (h *AdminHandlers) handleScopes(w http.ResponseWriter, r *http.Request) {
	out := make([]scopeStats, 0, len(h.registries))
	for _, registry := range h.registries {
		stats := registry.Stats()
		out = append(out, scopeStats{
			Scope:          stats.Scope,
			VisibleVersion: registry.VisibleVersion(),
			RingItems:      stats.RingItems,
			Subscriptions:  stats.Subscriptions,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	writeJSONResponse(w, out)
}

func (h *AdminHandlers) handleSubscriptions(w http.ResponseWriter, r *http.Request, registry Registry) {
	subs := registry.Subscriptions()
	if subs == nil {
		subs = []observer.Subscription{}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Created.Before(subs[j].Created) })
	writeJSONResponse(w, subs)
}

func (h *AdminHandlers) handleUnregister(w http.ResponseWriter, r *http.Request, registry Registry, id uuid.UUID) {
	if !registry.UnregisterObserver(id) {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("subscription %s not found", id))
		return
	}
	log.Info().Stringer("id", id).Msg("Subscription removed via admin API")
	writeJSONResponse(w, map[string]interface{}{"removed": id})
}

func (h *AdminHandlers) handleClean(w http.ResponseWriter, r *http.Request, registry Registry) {
	writeJSONResponse(w, map[string]interface{}{"removed": registry.CleanSubscribers()})
}

func (h *AdminHandlers) handleRelay(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		writeJSONResponse(w, []relay.WorkerInfo{})
		return
	}
	writeJSONResponse(w, h.relay.Workers())
}

// getLog resolves the mutation log of a scope
func (h *AdminHandlers) getLog(scope string) (Log, error) {
	l, ok := h.logs[scope]
	if !ok {
		return nil, fmt.Errorf("no mutation log for scope '%s'", scope)
	}
	return l, nil
}

func (h *AdminHandlers) handleLog(w http.ResponseWriter, r *http.Request, l Log) {
	cursors, err := l.Cursors()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"committed_version": l.CommittedVersion(),
		"horizon":           l.Horizon(),
		"cursors":           cursors,
	})
}

// handleCommit appends a msgpack encoded mutation batch as a new version
func (h *AdminHandlers) handleCommit(w http.ResponseWriter, r *http.Request, l Log) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommitBody+1))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}
	if len(body) > maxCommitBody {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	batch, err := mutation.DecodeBatch(body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(batch) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "empty batch")
		return
	}
	for _, m := range batch {
		// the log stamps its own transaction boundary
		if _, ok := m.(capture.Boundary); ok {
			writeErrorResponse(w, http.StatusBadRequest, "batch must not contain a transaction boundary")
			return
		}
	}

	version, _, err := l.Commit(batch...)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Debug().Int64("version", version).Int("mutations", len(batch)).Msg("Committed batch via admin API")
	writeJSONResponse(w, map[string]interface{}{"version": version})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
