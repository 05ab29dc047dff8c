// Package action implements the per-node-type handlers the engine
// dispatches to, and the registry that maps node types to handlers.
package action

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DeFlow/internal/errors"
)

const (
	CodeInvalidConfig     xerrors.Code = "INVALID_CONFIG"
	CodeUnresolvedAddress xerrors.Code = "UNRESOLVED_ADDRESS"
)

func init() {
	xerrors.Register(CodeInvalidConfig, xerrors.Attributes{
		Message:  "invalid node config",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnresolvedAddress, xerrors.Attributes{
		Message:  "address could not be resolved",
		Severity: xerrors.SeverityInfo,
	})
}

var (
	ErrInvalidConfig     = xerrors.New(CodeInvalidConfig, "")
	ErrUnresolvedAddress = xerrors.New(CodeUnresolvedAddress, "")
)

// InvalidConfig reports the required keys missing from a node config.
func InvalidConfig(nodeType string, missing ...string) error {
	return xerrors.New(CodeInvalidConfig,
		nodeType+" node is missing required config: "+strings.Join(missing, ", "),
		xerrors.WithMetadata("missing", strings.Join(missing, ",")))
}

// TokenAmount is the canonical balance-change payload downstream nodes read.
type TokenAmount struct {
	TokenReceived     string `json:"tokenReceived"`
	TokenSymbol       string `json:"tokenSymbol"`
	AmountReceived    string `json:"amountReceived"`
	AmountReceivedWei string `json:"amountReceivedWei"`
	Decimals          uint8  `json:"decimals"`
}

// Output is the result of one handler invocation. Fields holds the
// node-specific keys and is flattened next to the canonical keys in JSON.
type Output struct {
	Success bool
	Message string
	Output  *TokenAmount
	Fields  map[string]any
	Error   string
}

var reservedKeys = map[string]bool{"success": true, "message": true, "output": true, "error": true}

// MarshalJSON flattens Fields into the top-level object.
func (o Output) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(o.Fields)+4)
	for k, v := range o.Fields {
		if !reservedKeys[k] {
			flat[k] = v
		}
	}
	flat["success"] = o.Success
	if o.Message != "" {
		flat["message"] = o.Message
	}
	if o.Output != nil {
		flat["output"] = o.Output
	}
	if o.Error != "" {
		flat["error"] = o.Error
	}
	return json.Marshal(flat)
}

// UnmarshalJSON restores an Output written by MarshalJSON.
func (o *Output) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Output{}
	for key, value := range raw {
		var err error
		switch key {
		case "success":
			err = json.Unmarshal(value, &o.Success)
		case "message":
			err = json.Unmarshal(value, &o.Message)
		case "error":
			err = json.Unmarshal(value, &o.Error)
		case "output":
			if string(value) != "null" {
				o.Output = &TokenAmount{}
				err = json.Unmarshal(value, o.Output)
			}
		default:
			var v any
			err = json.Unmarshal(value, &v)
			if o.Fields == nil {
				o.Fields = make(map[string]any)
			}
			o.Fields[key] = v
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ConditionMet returns the branch decision of a condition output.
func (o *Output) ConditionMet() (bool, bool) {
	if o == nil || o.Fields == nil {
		return false, false
	}
	met, ok := o.Fields["conditionMet"].(bool)
	return met, ok
}

// Request carries everything a handler may read for one node visit.
type Request struct {
	NodeID   string
	NodeType string
	Config   map[string]any
	Identity common.Address
	// Previous holds the outputs of the node's predecessors, in the order
	// their edges were declared.
	Previous []*Output
}

// Handler performs the effect of one node type.
type Handler interface {
	// Validate checks the statically required config keys.
	Validate(config map[string]any) error
	Execute(ctx context.Context, req Request) (*Output, error)
}

// Registry maps node type tags to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds nodeType to h, replacing any previous binding.
func (r *Registry) Register(nodeType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
}

// Lookup returns the handler bound to nodeType.
func (r *Registry) Lookup(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Has reports whether nodeType has a handler.
func (r *Registry) Has(nodeType string) bool {
	_, ok := r.Lookup(nodeType)
	return ok
}

// Types lists the registered node types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
