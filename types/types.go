// Package types holds JSON-tagged message bodies exchanged over the bus.
//
// Every type here is meant to be registered with a bus.Bus's CodeRegistry
// (via bus.Config.RegTypes or Bus.RegTypes) and then used as the body type
// of a published message, a subscription, or an RPC argument/result. None of
// them carry bus-internal state; they are plain wire shapes.
package types

// Welcome is the body of the first message a newly accepted connection
// receives: the ordered code catalog it should build its codeid table from.
type Welcome struct {
	Codes []string `json:"codes"`
}

func (Welcome) Code() string { return "yon::welcome" }

// Ok is the generic empty-success sentinel body.
type Ok struct{}

func (Ok) Code() string { return "yon::ok" }

// EchoArgs is a minimal round-trip example body (spec.md scenario S2); no
// service in this repository publishes or subscribes to it.
type EchoArgs struct {
	Value int `json:"value"`
}

func (EchoArgs) Code() string { return "example::echo" }

// AddArgs / Sum are the RPC example from spec.md scenario S4.
type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func (AddArgs) Code() string { return "example::add_args" }

type Sum struct {
	S int `json:"s"`
}

func (Sum) Code() string { return "example::sum" }

// HeartbeatConfig is published (retained) under "example::heartbeat_config" to adjust
// the heartbeat service's tick interval at runtime.
type HeartbeatConfig struct {
	IntervalMS int64 `json:"interval_ms"`
}

func (HeartbeatConfig) Code() string { return "example::heartbeat_config" }

// HeartbeatTick is published by services/heartbeat on every tick.
type HeartbeatTick struct {
	AtUnixMS int64 `json:"at_unix_ms"`
}

func (HeartbeatTick) Code() string { return "example::heartbeat_tick" }

// GatewayLinkState is published by services/gateway's PublishState to
// report one listener's state.
type GatewayLinkState struct {
	Kind     string `json:"kind"`
	Level    string `json:"level"` // "up", "degraded", "error"
	Status   string `json:"status"`
	AtUnixMS int64  `json:"at_unix_ms"`
}

func (GatewayLinkState) Code() string { return "example::gateway_link_state" }
