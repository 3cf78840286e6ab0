package relay

import "github.com/sebastiankruger/battery-line-simulator/internal/core"

var endpoints = map[core.PacketType]string{
	core.PacketSensor:     "/api/log/sensor",
	core.PacketProduction: "/api/log/production",
	core.PacketStatus:     "/api/log/status",
}

// Endpoint returns the backend path for a packet type
func Endpoint(t core.PacketType) (string, bool) {
	path, ok := endpoints[t]
	return path, ok
}
