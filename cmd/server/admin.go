package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/eventstore"
	"github.com/nathanyu/margin-trading/internal/matching"
	"github.com/nathanyu/margin-trading/internal/sequencer"
	"github.com/nathanyu/margin-trading/internal/trading"
)

type admin struct {
	engine      *trading.Engine
	snapshotter *matching.Snapshotter
	seq         *sequencer.Sequencer
	journal     *eventstore.Journal
}

// newAdminRouter serves metrics, health and operator actions on a separate port.
func newAdminRouter(engine *trading.Engine, snapshotter *matching.Snapshotter, seq *sequencer.Sequencer, journal *eventstore.Journal) http.Handler {
	a := &admin{engine: engine, snapshotter: snapshotter, seq: seq, journal: journal}

	r := mux.NewRouter()
	r.Use(otelmux.Middleware(serviceName + "-admin"))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", a.health).Methods("GET")
	r.HandleFunc("/admin/snapshot", a.snapshot).Methods("POST")
	r.HandleFunc("/admin/swaps", a.chargeSwaps).Methods("POST")
	r.HandleFunc("/admin/expire", a.expire).Methods("POST")
	r.HandleFunc("/admin/journal", a.journalTail).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *admin) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"last_sequence": a.seq.LastSequence(),
	})
}

func (a *admin) snapshot(w http.ResponseWriter, r *http.Request) {
	if a.snapshotter == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "snapshots are disabled"})
		return
	}
	if err := a.snapshotter.SaveNow(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// chargeSwaps charges swaps up to now. Passing the same operation_id again charges nothing.
func (a *admin) chargeSwaps(w http.ResponseWriter, r *http.Request) {
	operationID := r.URL.Query().Get("operation_id")
	if operationID == "" {
		operationID = uuid.NewString()
	}
	n, err := a.engine.ChargeOvernightSwaps(r.Context(), operationID, time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": operationID, "charged": n})
}

func (a *admin) expire(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.ExpirePendingOrders(r.Context(), time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// journalTail returns the last journaled events, optionally filtered by type.
func (a *admin) journalTail(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	eventType := domain.EventType(r.URL.Query().Get("type"))

	tail := make([]domain.Event, 0, limit)
	err = a.journal.Replay(func(e domain.Event) error {
		if eventType != "" && e.GetType() != eventType {
			return nil
		}
		if len(tail) == limit {
			tail = tail[1:]
		}
		tail = append(tail, e)
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]map[string]any, 0, len(tail))
	for _, e := range tail {
		out = append(out, map[string]any{"type": e.GetType(), "key": e.GetKey(), "data": e})
	}
	writeJSON(w, http.StatusOK, out)
}
