package api

import (
	"github.com/sebastiankruger/battery-line-simulator/internal/line"
	"github.com/sebastiankruger/battery-line-simulator/internal/station"
)

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	SimulatorName string               `json:"simulatorName"`
	Line          string               `json:"line"`
	Running       bool                 `json:"running"`
	WorkerCode    string               `json:"workerCode"`
	Authenticated bool                 `json:"authenticated"`
	Stations      []StationInfo        `json:"stations"`
	Queues        []line.QueueSnapshot `json:"queues"`
}

// StationInfo provides basic info about a station
type StationInfo struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Namespace uint16 `json:"namespace,omitempty"`
}

// StationListResponse is returned by GET /api/stations
type StationListResponse struct {
	Stations []station.Snapshot `json:"stations"`
}

// StationDetailResponse is returned by GET /api/stations/{code}
type StationDetailResponse struct {
	station.Snapshot
	Namespace uint16     `json:"namespace,omitempty"`
	Nodes     []NodeInfo `json:"nodes"`
}

// NodeInfo describes an OPC UA node
type NodeInfo struct {
	Name        string `json:"name"`
	NodeID      string `json:"nodeId"`
	DataType    string `json:"dataType"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// ConfigResponse is returned by GET /api/config
type ConfigResponse struct {
	TimeScale     float64 `json:"timeScale"`
	BaseUnit      string  `json:"baseUnit"`
	EffectiveUnit string  `json:"effectiveUnit"`
	DefectRate    float64 `json:"defectRate"`
}

// ConfigUpdateRequest is used for POST /api/config
type ConfigUpdateRequest struct {
	TimeScale  *float64 `json:"timeScale,omitempty"`
	DefectRate *float64 `json:"defectRate,omitempty"`
}
