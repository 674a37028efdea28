package ipc

// Wire messages for the control service. Encoded with the "json" codec
// (codec.go) rather than protobuf, since no .proto/generated stubs can
// be produced in this build environment — see DESIGN.md for the drop
// rationale. Field names are still snake_case on the wire to keep the
// shape familiar to anything a protoc-gen-go-grpc client would expect.

// StartSessionRequest carries the mode and target set the owner wants
// applied from the very first packet.
type StartSessionRequest struct {
	Mode    string   `json:"mode"`
	Targets []string `json:"targets"`
}

// StartSessionResponse is empty on success; failures return a gRPC
// status error instead of a populated field.
type StartSessionResponse struct{}

// SetModeRequest changes the default-adapter mode of the active session.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

// SetTargetsRequest replaces the active session's TargetSet wholesale.
type SetTargetsRequest struct {
	Targets []string `json:"targets"`
}

// Empty is the shared zero-field request/response for RPCs that carry
// no data (StopSession, GetStats's request side).
type Empty struct{}

// StatsResponse mirrors model.StatsSnapshot across the process boundary.
type StatsResponse struct {
	BytesOut          uint64 `json:"bytes_out"`
	BytesIn           uint64 `json:"bytes_in"`
	FlowsActive       uint64 `json:"flows_active"`
	NatEntries        uint64 `json:"nat_entries"`
	PacketsPassed     uint64 `json:"packets_passed"`
	PacketsRedirected uint64 `json:"packets_redirected"`
	PacketsDiscarded  uint64 `json:"packets_discarded"`
}

// LogLine is one line forwarded from the engine's logging hook (C9) to
// a subscribed StreamLogs caller, so an attached UI can show a live log
// panel without importing this engine's logging package.
type LogLine struct {
	Level   string `json:"level"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}
