// Package api serves the REST view of the running line.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sebastiankruger/battery-line-simulator/internal/backend"
	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/line"
	"github.com/sebastiankruger/battery-line-simulator/internal/station"
)

// Line is the read side of a running production line
type Line interface {
	Name() string
	Running() bool
	Stations() []station.Snapshot
	Station(code string) (station.Snapshot, bool)
	Queues() []line.QueueSnapshot
	RuntimeConfig() *config.RuntimeConfig
}

// NamespaceLookup resolves the OPC UA namespace of a station
type NamespaceLookup interface {
	Namespace(code string) (uint16, bool)
}

// Handler handles REST API requests for the simulator
type Handler struct {
	simulatorName string
	line          Line
	session       *backend.Session
	namespaces    NamespaceLookup // optional
}

// NewHandler creates an API handler for a line
func NewHandler(name string, l Line, sess *backend.Session, ns NamespaceLookup) *Handler {
	return &Handler{
		simulatorName: name,
		line:          l,
		session:       sess,
		namespaces:    ns,
	}
}

// Register mounts the API routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/stations", h.HandleStations)
	mux.HandleFunc("/api/stations/", h.HandleStationDetail)
	mux.HandleFunc("/api/config", h.HandleConfig)
}

// HandleStatus handles GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		SimulatorName: h.simulatorName,
		Line:          h.line.Name(),
		Running:       h.line.Running(),
		WorkerCode:    h.session.WorkerCode(),
		Authenticated: h.session.Authenticated(),
		Stations:      []StationInfo{},
		Queues:        h.line.Queues(),
	}
	for _, s := range h.line.Stations() {
		resp.Stations = append(resp.Stations, StationInfo{
			Code:      s.Code,
			Name:      s.Name,
			Status:    string(s.Status),
			Namespace: h.namespace(s.Code),
		})
	}

	h.writeJSON(w, resp)
}

// HandleStations handles GET /api/stations
func (h *Handler) HandleStations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, StationListResponse{Stations: h.line.Stations()})
}

// HandleStationDetail handles GET /api/stations/{code}
func (h *Handler) HandleStationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/stations/"), "/")
	if code == "" {
		http.Error(w, "Station code required", http.StatusBadRequest)
		return
	}

	snap, ok := h.line.Station(code)
	if !ok {
		http.Error(w, "Station not found", http.StatusNotFound)
		return
	}

	ns := h.namespace(code)
	resp := StationDetailResponse{Snapshot: snap, Namespace: ns, Nodes: []NodeInfo{}}
	if ns != 0 {
		for _, nd := range core.StationNodes() {
			resp.Nodes = append(resp.Nodes, NodeInfo{
				Name:        nd.Name,
				NodeID:      fmt.Sprintf("ns=%d;s=%s.%s", ns, code, nd.Name),
				DataType:    nd.DataType.String(),
				Unit:        nd.Unit,
				Description: nd.Description,
			})
		}
	}

	h.writeJSON(w, resp)
}

func (h *Handler) namespace(code string) uint16 {
	if h.namespaces == nil {
		return 0
	}
	ns, _ := h.namespaces.Namespace(code)
	return ns
}

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// HandleConfig handles GET and POST /api/config
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.writeConfig(w)
	case http.MethodPost:
		h.handleConfigUpdate(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) writeConfig(w http.ResponseWriter) {
	snapshot := h.line.RuntimeConfig().Snapshot()
	h.writeJSON(w, ConfigResponse{
		TimeScale:     snapshot.TimeScale,
		BaseUnit:      snapshot.BaseUnit.String(),
		EffectiveUnit: snapshot.EffectiveUnit.String(),
		DefectRate:    snapshot.DefectRate,
	})
}

func (h *Handler) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	rc := h.line.RuntimeConfig()

	if req.TimeScale != nil {
		if err := rc.SetTimeScale(*req.TimeScale); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.DefectRate != nil {
		if err := rc.SetDefectRate(*req.DefectRate); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	h.writeConfig(w)
}
