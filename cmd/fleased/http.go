package main

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/glycerine/flease"
	"github.com/glycerine/flease/epochstore"
	"github.com/glycerine/flease/tcpcomm"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// cellJSON is what /state reports per cell.
type cellJSON struct {
	Cell      string `json:"cell"`
	Holder    string `json:"holder"`
	TimeoutMs int64  `json:"leaseTimeoutMs"`
	Timeout   string `json:"leaseTimeout,omitempty"`
	Epoch     int64  `json:"masterEpoch"`
	Accepted  string `json:"acceptedProposal"`
	Promised  string `json:"promisedProposal"`
	ViewID    int32  `json:"viewId"`
	Valid     bool   `json:"validForUs"`
}

type statsJSON struct {
	Stage  *flease.StageStats `json:"stage"`
	Comm   *tcpcomm.Stats     `json:"comm,omitempty"`
	Epochs map[string]int64   `json:"storedEpochs,omitempty"`
}

type server struct {
	me        flease.Identity
	stage     *flease.Stage
	comm      *tcpcomm.Comm
	store     *epochstore.FileStore
	acceptors []flease.Identity
	wantEpoch bool
	dMax      time.Duration
}

func (h *server) router() http.Handler {
	m := mux.NewRouter()
	m.HandleFunc("/state", h.getState).Methods(http.MethodGet)
	m.HandleFunc("/state/{cell}", h.getCell).Methods(http.MethodGet)
	m.HandleFunc("/stats", h.getStats).Methods(http.MethodGet)
	m.HandleFunc("/cells/{cell}", h.openCell).Methods(http.MethodPost)
	m.HandleFunc("/cells/{cell}", h.closeCell).Methods(http.MethodDelete)
	return m
}

func (h *server) toJSON(st *flease.Message, now time.Time) cellJSON {
	lease := flease.Flease{
		CellID:         st.CellID,
		LeaseHolder:    st.LeaseHolder,
		LeaseTimeoutMs: st.LeaseTimeoutMs,
		MasterEpoch:    st.MasterEpoch,
	}
	j := cellJSON{
		Cell:      st.CellID,
		Holder:    string(st.LeaseHolder),
		TimeoutMs: st.LeaseTimeoutMs,
		Epoch:     st.MasterEpoch,
		Accepted:  st.ProposalNo.String(),
		Promised:  st.PrevProposalNo.String(),
		ViewID:    st.ViewID,
		Valid:     lease.IsValidFor(h.me, now, h.dMax),
	}
	if st.LeaseTimeoutMs != 0 {
		j.Timeout = time.UnixMilli(st.LeaseTimeoutMs).UTC().Format(time.RFC3339Nano)
	}
	return j
}

func (h *server) getState(w http.ResponseWriter, r *http.Request) {
	st, err := h.stage.GetLocalState(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	now := time.Now()
	out := make([]cellJSON, 0, len(st))
	for _, m := range st {
		out = append(out, h.toJSON(m, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	writeJSON(w, http.StatusOK, out)
}

func (h *server) getCell(w http.ResponseWriter, r *http.Request) {
	cellID := mux.Vars(r)["cell"]
	st, err := h.stage.GetLocalState(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	m, ok := st[cellID]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.toJSON(m, time.Now()))
}

func (h *server) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stage.Stats(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	out := &statsJSON{Stage: st}
	if h.comm != nil {
		cs := h.comm.Stats()
		out.Comm = &cs
	}
	if h.store != nil {
		out.Epochs = h.store.Epochs()
	}
	writeJSON(w, http.StatusOK, out)
}

// openCell waits for the first lease, ours or another's.
func (h *server) openCell(w http.ResponseWriter, r *http.Request) {
	cellID := mux.Vars(r)["cell"]
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	lease, err := h.stage.OpenCell(cellID, h.acceptors, h.wantEpoch).Get(ctx)
	if err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

// closeCell hands a held lease back unless ?return=false.
func (h *server) closeCell(w http.ResponseWriter, r *http.Request) {
	cellID := mux.Vars(r)["cell"]
	ret := r.URL.Query().Get("return") != "false"
	if err := h.stage.CloseCell(cellID, ret).Get(r.Context()); err != nil {
		httpError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		alwaysPrintf("fleased: encoding reply: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
