package relay

import (
	"encoding/json"
	"fmt"

	"relay-api/internal/upstream"
)

// FastPath is a provider tried once before the default provider for the
// models it maps. Models maps the caller's model name to the provider's.
type FastPath struct {
	Target upstream.Target
	Models map[string]string
}

// Selector picks the route for a request. It holds read-only config.
type Selector struct {
	Default   upstream.Target
	FastPaths []FastPath
}

// Route is the ordered plan for one request.
type Route struct {
	FastPath  *upstream.Target
	FastModel string
	FastBody  []byte

	Default upstream.Target
	Body    []byte
}

// Select is a pure function of the model name, the body and the config.
func (s *Selector) Select(model string, body []byte) Route {
	route := Route{Default: s.Default, Body: body}
	for i := range s.FastPaths {
		fp := &s.FastPaths[i]
		mapped, ok := fp.Models[model]
		if !ok {
			continue
		}
		rewritten, err := RewriteModel(body, mapped)
		if err != nil {
			return route
		}
		target := fp.Target
		route.FastPath = &target
		route.FastModel = mapped
		route.FastBody = rewritten
		return route
	}
	return route
}

// RewriteModel returns a copy of body with its model field replaced. Other
// fields are carried over unchanged.
func RewriteModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse request body: %w", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}
