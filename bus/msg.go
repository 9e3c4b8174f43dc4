package bus

import (
	"reflect"

	jsoniter "github.com/json-iterator/go"

	"yon/errcode"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// WireMsg is the wire form of one message: the dictionary that actually
// crosses a transport (spec §6 "Wire format"). Fields prefixed skip__ in the
// in-memory envelope (source connsid, target connsids) never appear here;
// source connsid is instead threaded in separately by whichever transport
// decoded the frame (see Codec.Deserialize).
type WireMsg struct {
	SID        string          `json:"sid"`
	LSID       string          `json:"lsid,omitempty"`
	BodyCodeID int             `json:"bodycodeid"`
	Body       jsoniter.RawMessage `json:"body"`
}

// BusMsg is the in-process envelope (spec §3). Sid is fresh on creation and
// immutable thereafter.
type BusMsg struct {
	SID  string
	LSID string

	BodyCode string
	Body     any

	TargetConnSIDs []string
	SourceConnSID  string
}

// Codec encodes/decodes envelopes against a CodeRegistry (spec §4.2).
type Codec struct {
	registry *CodeRegistry
}

func newCodec(r *CodeRegistry) *Codec { return &Codec{registry: r} }

// Serialize requires BodyCode to resolve to a codeid and the body to be an
// instance of the type registered under that code.
func (c *Codec) Serialize(m *BusMsg) (WireMsg, error) {
	if m.SID == "" {
		return WireMsg{}, errcode.New(errcode.ValueError, "codec.serialize", "sid is empty", nil)
	}
	codeid, ok := c.registry.CodeID(m.BodyCode)
	if !ok {
		return WireMsg{}, errcode.New(errcode.UnregisteredCode, "codec.serialize",
			"body code "+m.BodyCode+" is not registered", nil)
	}
	// CodeSrpcRecv is the one code whose wire body varies per call (the
	// handler's own result type, or an ErrDto) — see SrpcRecvMarker's
	// doc comment. Every other code must match its registered type.
	if m.BodyCode != CodeSrpcRecv {
		regType, _ := c.registry.TypeOf(m.BodyCode)
		if bodyType := elemType(m.Body); regType != nil && bodyType != nil && bodyType != regType {
			return WireMsg{}, errcode.New(errcode.ValueError, "codec.serialize",
				"body type "+bodyType.String()+" does not match registered type "+regType.String()+" for code "+m.BodyCode, nil)
		}
	}
	raw, err := jsonx.Marshal(m.Body)
	if err != nil {
		return WireMsg{}, errcode.New(errcode.ValueError, "codec.serialize", "marshal body", err)
	}
	return WireMsg{
		SID:        m.SID,
		LSID:       m.LSID,
		BodyCodeID: codeid,
		Body:       raw,
	}, nil
}

// Deserialize requires sid to be present and bodycodeid to resolve against
// the current registry snapshot. sourceConnSID is injected directly (the Go
// analog of the original's skip__connsid field) rather than carried as a
// wire field.
func (c *Codec) Deserialize(w WireMsg, sourceConnSID string) (*BusMsg, error) {
	if w.SID == "" {
		return nil, errcode.New(errcode.ValueError, "codec.deserialize", "msg without sid", nil)
	}
	code, ok := c.registry.CodeOf(w.BodyCodeID)
	if !ok {
		return nil, errcode.New(errcode.UnregisteredCode, "codec.deserialize",
			"unknown bodycodeid", nil)
	}
	typ, _ := c.registry.TypeOf(code)
	if typ == nil {
		return nil, errcode.New(errcode.UnregisteredCode, "codec.deserialize",
			"code "+code+" has no registered type", nil)
	}
	ptr := reflect.New(typ)
	if len(w.Body) > 0 {
		if err := jsonx.Unmarshal(w.Body, ptr.Interface()); err != nil {
			return nil, errcode.New(errcode.ValueError, "codec.deserialize", "unmarshal body for code "+code, err)
		}
	}
	return &BusMsg{
		SID:           w.SID,
		LSID:          w.LSID,
		BodyCode:      code,
		Body:          ptr.Elem().Interface(),
		SourceConnSID: sourceConnSID,
	}, nil
}

// bodyCode resolves the code registered for a body's concrete type.
func bodyCode(registry *CodeRegistry, body any) (string, error) {
	if bm, ok := body.(*BusMsg); ok {
		return bm.BodyCode, nil
	}
	t := elemType(body)
	if t == nil {
		return "", errcode.New(errcode.ValueError, "bodyCode", "nil body", nil)
	}
	code, ok := registry.CodeOfType(t)
	if !ok {
		return "", errcode.New(errcode.UnregisteredCode, "bodyCode", "type "+t.String()+" has no registered code", nil)
	}
	return code, nil
}
