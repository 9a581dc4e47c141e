package observability

import (
	"expvar"
	"net/http"
)

const (
	ConnAccepted = "accepted"
	ConnFailed   = "failed"
)

var (
	clientsConnected = expvar.NewInt("taskmux_supervisor_clients")
	// connections is keyed by Task Manager start result.
	connections      = expvar.NewMap("taskmux_supervisor_connections_total")
	taskManagerExits = expvar.NewInt("taskmux_supervisor_taskmanager_exits_total")
	framesDropped    = expvar.NewInt("taskmux_supervisor_frames_dropped_total")
)

// Handler serves every published variable as one JSON object.
func Handler() http.Handler {
	return expvar.Handler()
}

func SetClients(n int) {
	clientsConnected.Set(int64(n))
}

func RecordConnection(result string) {
	connections.Add(result, 1)
}

func RecordTaskManagerExit() {
	taskManagerExits.Add(1)
}

func RecordFrameDropped() {
	framesDropped.Add(1)
}
