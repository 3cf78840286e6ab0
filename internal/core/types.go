package core

import (
	"encoding/json"
	"time"
)

// Status is the operating status a station reports to the backend
type Status string

const (
	StatusRun  Status = "RUN"
	StatusWait Status = "WAIT"
	StatusStop Status = "STOP"
)

// Status reasons reported alongside a status change
const (
	ReasonReadyForWork    = "READY_FOR_WORK"
	ReasonIdle            = "IDLE"
	ReasonStartPrefix     = "START_WO:"
	ReasonNoMaterial      = "NO_MATERIAL"
	ReasonResumeWork      = "RESUME_WORK"
	ReasonMaterialTimeout = "MATERIAL_TIMEOUT"
	ReasonBatchCompleted  = "BATCH_COMPLETED"
)

// OPCUAValue maps a status to the Int32 published over OPC UA
func (s Status) OPCUAValue() int32 {
	switch s {
	case StatusRun:
		return 1
	case StatusWait:
		return 2
	default:
		return 0
	}
}

// PacketType selects the backend endpoint a packet is forwarded to
type PacketType string

const (
	PacketSensor     PacketType = "SENSOR"
	PacketProduction PacketType = "PRODUCTION"
	PacketStatus     PacketType = "STATUS"
)

// Packet is the telemetry envelope sent from a station to the collector.
// Body is kept raw so the collector forwards it verbatim.
type Packet struct {
	Type  PacketType      `json:"Type"`
	Token string          `json:"Token"`
	Body  json.RawMessage `json:"Body"`
}

// NewPacket serializes body into a packet envelope
func NewPacket(packetType PacketType, token string, body interface{}) (Packet, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: packetType, Token: token, Body: raw}, nil
}

// TimestampLayout is the sortable local timestamp used in packet bodies
const TimestampLayout = "2006-01-02T15:04:05"

// FormatTimestamp formats t for a packet body
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// EnvData is an environmental snapshot
type EnvData struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Voltage     float64 `json:"voltage"`
}

// SensorEvent is the body of a SENSOR packet
type SensorEvent struct {
	MachineCode string  `json:"machineCode"`
	Timestamp   string  `json:"timestamp"`
	Data        EnvData `json:"data"`
}

// ProductionEvent is the body of a PRODUCTION packet (one per attempted unit)
type ProductionEvent struct {
	MachineCode    string  `json:"machineCode"`
	Timestamp      string  `json:"timestamp"`
	Qty            int     `json:"qty"`
	IsBad          bool    `json:"isBad"`
	DefectType     string  `json:"defectType"`
	Temperature    float64 `json:"temperature"`
	Humidity       float64 `json:"humidity"`
	Voltage        float64 `json:"voltage"`
	WorkerCode     string  `json:"workerCode"`
	MaterialLotIDs []int64 `json:"materialLotIds"`
}

// StatusEvent is the body of a STATUS packet
type StatusEvent struct {
	MachineCode string `json:"machineCode"`
	WorkerCode  string `json:"workerCode"`
	Status      Status `json:"status"`
	Reason      string `json:"reason"`
	Timestamp   string `json:"timestamp"`
}

// DefectNone is the defect type of a good unit
const DefectNone = "NONE"

// WorkOrder is a unit of work assigned to a station by the backend
type WorkOrder struct {
	ID              string     `json:"workOrderNo"`
	PlannedQuantity int        `json:"plannedQty"`
	ProductCode     string     `json:"productCode"`
	DueDate         *time.Time `json:"dueDate,omitempty"` // nil when the backend sent none
}

// BOMEntry is one material consumption line of a product's bill of materials
type BOMEntry struct {
	MaterialName string  `json:"materialName"`
	Quantity     float64 `json:"qty"`
	Unit         string  `json:"unit"`
	Process      string  `json:"process"`
}

// MaterialLot is a material lot mounted on a station
type MaterialLot struct {
	MaterialLotID int64   `json:"materialLotId"`
	MaterialName  string  `json:"materialName"`
	MaterialCode  string  `json:"materialCode"`
	RemainQty     float64 `json:"remainQty"`
}
