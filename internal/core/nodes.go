package core

import "github.com/awcullen/opcua/ua"

// NodeDefinition describes an OPC UA variable exposed for a station
type NodeDefinition struct {
	Name         string      // Node name (e.g., "Temperature")
	DisplayName  string      // Human-readable name
	Description  string      // Description of the node
	DataType     DataType    // Data type (Double, Int32, String)
	Unit         string      // Engineering unit (°C, %, V)
	InitialValue interface{} // Initial/default value
}

// DataType represents OPC UA data types
type DataType int

const (
	DataTypeDouble DataType = iota
	DataTypeInt32
	DataTypeString
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeDouble:
		return "Double"
	case DataTypeInt32:
		return "Int32"
	case DataTypeString:
		return "String"
	default:
		return "Unknown"
	}
}

// OPCUADataType maps a DataType to its OPC UA data type node id
func OPCUADataType(dt DataType) ua.NodeID {
	switch dt {
	case DataTypeInt32:
		return ua.DataTypeIDInt32
	case DataTypeString:
		return ua.DataTypeIDString
	default:
		return ua.DataTypeIDDouble
	}
}

// Node names published for every station
const (
	NodeTemperature      = "Temperature"
	NodeHumidity         = "Humidity"
	NodeVoltage          = "Voltage"
	NodeStatus           = "Status"
	NodeCompletedQty     = "CompletedQty"
	NodeBadQty           = "BadQty"
	NodeCurrentWorkOrder = "CurrentWorkOrder"
)

// StationNodes returns the node set published for one station
func StationNodes() []NodeDefinition {
	return []NodeDefinition{
		{Name: NodeTemperature, DisplayName: "Temperature", Description: "Ambient temperature", DataType: DataTypeDouble, Unit: "°C", InitialValue: TemperatureBand.Initial},
		{Name: NodeHumidity, DisplayName: "Humidity", Description: "Relative humidity", DataType: DataTypeDouble, Unit: "%", InitialValue: HumidityBand.Initial},
		{Name: NodeVoltage, DisplayName: "Voltage", Description: "Supply voltage", DataType: DataTypeDouble, Unit: "V", InitialValue: VoltageBand.Initial},
		{Name: NodeStatus, DisplayName: "Status", Description: "Station status (0=STOP, 1=RUN, 2=WAIT)", DataType: DataTypeInt32, InitialValue: int32(0)},
		{Name: NodeCompletedQty, DisplayName: "Completed Quantity", Description: "Good units of the current work order", DataType: DataTypeInt32, InitialValue: int32(0)},
		{Name: NodeBadQty, DisplayName: "Bad Quantity", Description: "Scrapped units since start", DataType: DataTypeInt32, InitialValue: int32(0)},
		{Name: NodeCurrentWorkOrder, DisplayName: "Current Work Order", Description: "Active work order number", DataType: DataTypeString, InitialValue: ""},
	}
}
