package bus

import (
	jsoniter "github.com/json-iterator/go"

	"yon/errcode"
	"yon/types"
)

// Reserved codes the bus registers on every Init (spec §4.6 / original
// source ServerBus.init: Welcome, ok, SrpcSend, SrpcRecv, and a handful of
// typed error bodies).
const (
	CodeSrpcSend = ReservedNamespace + "::srpc_send"
	CodeSrpcRecv = ReservedNamespace + "::srpc_recv"

	CodeValueError       = ReservedNamespace + "::value_error"
	CodeNotFound         = ReservedNamespace + "::not_found_error"
	CodeAlreadyProcessed = ReservedNamespace + "::already_processed_error"
	CodeUnregisteredCode = ReservedNamespace + "::unregistered_code_error"
	CodeTimeout          = ReservedNamespace + "::timeout_error"
	CodeResourceError    = ReservedNamespace + "::resource_error"
)

// SrpcSend is the inbound RPC call envelope body (spec §4.5 / §6).
type SrpcSend struct {
	Key  string              `json:"key"`
	Body jsoniter.RawMessage `json:"body"`
}

func (SrpcSend) Code() string { return CodeSrpcSend }

// SrpcRecvMarker is registered under CodeSrpcRecv purely so the codec can
// recognize and drop a stray inbound SrpcRecv (spec §4.5: "the server is
// not an RPC client here"). The actual outbound SrpcRecv body is whatever
// the RPC handler returned, or an ErrDto — never this marker type; see
// Codec.Serialize's CodeSrpcRecv special case.
type SrpcRecvMarker struct {
	Raw jsoniter.RawMessage `json:"-"`
}

func (SrpcRecvMarker) Code() string { return CodeSrpcRecv }

// ErrDto is the wire shape of a typed error reply. It never carries a
// stacktrace (spec §4.5 step 5 / §7); it is errcode.Descriptor renamed to
// match the wire-facing name used throughout this package.
type ErrDto = errcode.Descriptor

// errDtoBindings registers ErrDto once per reserved error code so the codec
// can resolve a concrete type for each. The registry's type-to-code lookup
// keeps only the last of these (CodeResourceError) for ErrDto; error bodies
// published from a Result pick their code through errKindToCode instead.
func errDtoBindings() []any {
	codes := []string{
		CodeValueError, CodeNotFound, CodeAlreadyProcessed,
		CodeUnregisteredCode, CodeTimeout, CodeResourceError,
	}
	out := make([]any, 0, len(codes))
	for _, c := range codes {
		out = append(out, CodeBinding{Code: c, Sample: ErrDto{}})
	}
	return out
}

// builtinTypes is exactly what Bus.Init registers before any caller-supplied
// types, mirroring original_source/yon's ServerBus.init roster.
func builtinTypes() []any {
	out := []any{
		types.Welcome{},
		types.Ok{},
		SrpcSend{},
		SrpcRecvMarker{},
	}
	return append(out, errDtoBindings()...)
}

// errKindToCode maps an errcode.Code to the wire code its ErrDto publishes
// under, falling back to the generic resource-error code.
func errKindToCode(k errcode.Code) string {
	switch k {
	case errcode.ValueError:
		return CodeValueError
	case errcode.NotFound:
		return CodeNotFound
	case errcode.AlreadyProcessed:
		return CodeAlreadyProcessed
	case errcode.UnregisteredCode:
		return CodeUnregisteredCode
	case errcode.Timeout:
		return CodeTimeout
	default:
		return CodeResourceError
	}
}
