package bus

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// ReservedNamespace prefixes every code the bus itself registers (welcome,
// ok, the rpc envelope types, the built-in error bodies). Grounded on
// original_source/yon's "yon::" namespace.
const ReservedNamespace = "yon"

// DefaultCodeOrder fixes the sort position of the bus's own codes: codes
// present here sort first, in this exact order (spec §3 / §4.1).
var DefaultCodeOrder = []string{
	ReservedNamespace + "::welcome",
	ReservedNamespace + "::ok",
}

// Coded is implemented by any message body type that knows its own wire
// code. Types that don't implement it must be registered via CodeBinding.
type Coded interface {
	Code() string
}

// CodeBinding explicitly pairs a code string with a sample value of the
// type it names, for bodies that don't implement Coded.
type CodeBinding struct {
	Code   string
	Sample any
}

// CodeRegistry is one Bus's bidirectional mapping between a
// registered type and its short code, plus the deterministic codeid
// ordering described in spec §4.1.
type CodeRegistry struct {
	mu sync.RWMutex

	codeToType map[string]reflect.Type
	typeToCode map[reflect.Type]string

	insertionOrder []string
	insertionSeen  map[string]bool

	order    []string
	codeToID map[string]int
}

func newCodeRegistry() *CodeRegistry {
	return &CodeRegistry{
		codeToType:    map[string]reflect.Type{},
		typeToCode:    map[reflect.Type]string{},
		insertionSeen: map[string]bool{},
	}
}

func elemType(sample any) reflect.Type {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// deriveCode figures out the (code, type) pair for one Register entry.
func deriveCode(entry any) (code string, typ reflect.Type, err error) {
	if b, ok := entry.(CodeBinding); ok {
		t := elemType(b.Sample)
		if t == nil || b.Code == "" {
			return "", nil, errors.Errorf("invalid code binding %#v", b)
		}
		return b.Code, t, nil
	}
	if c, ok := entry.(Coded); ok {
		t := elemType(entry)
		if t == nil {
			return "", nil, errors.Errorf("entry %#v has no concrete type", entry)
		}
		return c.Code(), t, nil
	}
	return "", nil, errors.Errorf("entry %#v does not implement Coded and is not a CodeBinding", entry)
}

// Register is idempotent: re-registering a code with a different type
// replaces the binding rather than erroring (spec §4.1 failure modes).
// Invalid entries are returned as errors, not treated as fatal; the caller
// (Bus.RegTypes) logs and skips them.
func (r *CodeRegistry) Register(entries ...any) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		code, typ, err := deriveCode(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if oldTyp, ok := r.codeToType[code]; ok && oldTyp != typ {
			delete(r.typeToCode, oldTyp)
		}
		r.codeToType[code] = typ
		r.typeToCode[typ] = code
		if !r.insertionSeen[code] {
			r.insertionSeen[code] = true
			r.insertionOrder = append(r.insertionOrder, code)
		}
	}
	r.rebuildLocked()
	return errs
}

func (r *CodeRegistry) rebuildLocked() {
	seen := make(map[string]bool, len(r.codeToType))
	ordered := make([]string, 0, len(r.codeToType))

	for _, c := range DefaultCodeOrder {
		if _, ok := r.codeToType[c]; ok {
			ordered = append(ordered, c)
			seen[c] = true
		}
	}
	for _, c := range r.insertionOrder {
		if seen[c] {
			continue
		}
		if _, ok := r.codeToType[c]; !ok {
			continue
		}
		ordered = append(ordered, c)
		seen[c] = true
	}

	r.order = ordered
	r.codeToID = make(map[string]int, len(ordered))
	for i, c := range ordered {
		r.codeToID[c] = i
	}
}

// CodeID returns the codeid of code in the current ordering.
func (r *CodeRegistry) CodeID(code string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.codeToID[code]
	return id, ok
}

// CodeOf returns the code at a given codeid.
func (r *CodeRegistry) CodeOf(codeid int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if codeid < 0 || codeid >= len(r.order) {
		return "", false
	}
	return r.order[codeid], true
}

// TypeOf returns the Go type registered for code.
func (r *CodeRegistry) TypeOf(code string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.codeToType[code]
	return t, ok
}

// CodeOfType returns the code a given type was registered under.
func (r *CodeRegistry) CodeOfType(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.typeToCode[t]
	return c, ok
}

// HasCode reports whether code is currently registered.
func (r *CodeRegistry) HasCode(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codeToType[code]
	return ok
}

// Snapshot returns the ordered list of codes backing the current welcome.
func (r *CodeRegistry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
