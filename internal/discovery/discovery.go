// Package discovery defines the messages exchanged with a discovery service
// that tells clients which server endpoints to use.
package discovery

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Request asks the discovery service which endpoints the client should use.
type Request struct {
	IsInitialRequest bool              `json:"is_initial_request"`
	Attributes       map[string]string `json:"attributes"`
}

// ID identifies a request by its attributes, independent of map order.
func (r Request) ID() string {
	keys := slices.Sorted(maps.Keys(r.Attributes))
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+r.Attributes[k])
	}
	return strings.Join(pairs, "::")
}

// Endpoints are the server addresses a client talks to.
type Endpoints struct {
	API       string `json:"api"`
	Core      string `json:"core"`
	Discovery string `json:"discovery,omitempty"`
}

// Result is the discovery response. The only implementations are
// KeepExisting and SwitchTo.
type Result interface {
	isResult()
}

// KeepExisting tells the client to continue using its current endpoints.
type KeepExisting struct{}

// SwitchTo tells the client to use new endpoints. RecreateExisting asks the
// client to rebuild existing connections instead of only new ones.
type SwitchTo struct {
	Endpoints        Endpoints
	RecreateExisting bool
}

func (KeepExisting) isResult() {}
func (SwitchTo) isResult()     {}

const (
	resultKeepExisting = "keep-existing"
	resultSwitchTo     = "switch-to"
)

type taggedResult struct {
	Result           string     `json:"result"`
	Endpoints        *Endpoints `json:"endpoints,omitempty"`
	RecreateExisting bool       `json:"recreate_existing,omitempty"`
}

// MarshalResult encodes a result with its "result" tag.
func MarshalResult(r Result) ([]byte, error) {
	switch v := r.(type) {
	case KeepExisting:
		return json.Marshal(taggedResult{Result: resultKeepExisting})
	case SwitchTo:
		endpoints := v.Endpoints
		return json.Marshal(taggedResult{Result: resultSwitchTo, Endpoints: &endpoints, RecreateExisting: v.RecreateExisting})
	default:
		return nil, fmt.Errorf("unexpected discovery result type: %T", r)
	}
}

// UnmarshalResult decodes a tagged result.
func UnmarshalResult(data []byte) (Result, error) {
	var t taggedResult
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding discovery result: %w", err)
	}

	switch t.Result {
	case resultKeepExisting:
		return KeepExisting{}, nil
	case resultSwitchTo:
		if t.Endpoints == nil {
			return nil, fmt.Errorf("switch-to result is missing its endpoints")
		}
		return SwitchTo{Endpoints: *t.Endpoints, RecreateExisting: t.RecreateExisting}, nil
	default:
		return nil, fmt.Errorf("unknown discovery result: %q", t.Result)
	}
}
