// Package server exposes the orchestrator as a registry of typed tools.
//
// A Server value owns every component wired at boot; each tool receives
// them through the handle rather than package-level state. Tools are keyed
// by stable ids, inputs are typed structs decoded from JSON, and unknown
// ids yield a structured NotFound.
package server

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/aryanduntley/aipm/internal/boot"
	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
)

// Tool is one registered operation.
type Tool struct {
	ID          string
	Description string
	// ReadOnly tools stay available in a degraded (boot deadline exceeded)
	// session.
	ReadOnly bool

	handle func(ctx context.Context, s *Server, input json.RawMessage) (any, error)
}

// Server is the process-wide handle owning the booted system and the tool
// registry. One server serves one session.
type Server struct {
	sys   *boot.System
	res   *boot.Result
	tools map[string]Tool
}

// New wraps a booted system. The registry is fixed at construction.
func New(sys *boot.System, res *boot.Result) *Server {
	s := &Server{
		sys:   sys,
		res:   res,
		tools: make(map[string]Tool),
	}
	s.registerTools()
	return s
}

// System exposes the underlying components, mainly for the CLI.
func (s *Server) System() *boot.System { return s.sys }

// BootResult returns the boot summary for the status surface.
func (s *Server) BootResult() *boot.Result { return s.res }

// Degraded reports whether only read-only tools are available.
func (s *Server) Degraded() bool { return s.res.Degraded }

// Tools lists registered tools sorted by id.
func (s *Server) Tools() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		if s.res.Degraded && !t.ReadOnly {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Call dispatches one tool invocation by id.
func (s *Server) Call(ctx context.Context, id string, input json.RawMessage) (any, error) {
	t, ok := s.tools[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown tool %q", id).WithDetail("tool", id)
	}
	if s.res.Degraded && !t.ReadOnly {
		return nil, fault.New(fault.SessionExpired,
			"session is degraded to read-only; %q is unavailable", id).
			WithResolutions("restart the session")
	}
	out, err := t.handle(ctx, s, input)
	if err != nil {
		debug.Logf("tool %s failed: %v", id, err)
		return nil, err
	}
	return out, nil
}

// Close shuts the session down.
func (s *Server) Close(ctx context.Context) error {
	return boot.Shutdown(ctx, s.sys, s.res)
}

func (s *Server) add(t Tool) {
	s.tools[t.ID] = t
}

// tool binds a typed input handler into the registry entry. Empty input is
// decoded as the zero value.
func tool[I any](id, desc string, readOnly bool, fn func(ctx context.Context, s *Server, in I) (any, error)) Tool {
	return Tool{
		ID:          id,
		Description: desc,
		ReadOnly:    readOnly,
		handle: func(ctx context.Context, s *Server, input json.RawMessage) (any, error) {
			var in I
			if len(input) > 0 {
				if err := json.Unmarshal(input, &in); err != nil {
					return nil, fault.Wrap(fault.ValidationError, err, "decoding input for %s", id)
				}
			}
			return fn(ctx, s, in)
		},
	}
}
