// Package skillsdk is the public capability interface that skill modules
// implement to be loaded into the skill registry, modeled on the teacher's
// pkg/pluginsdk duck-typed plugin contract.
package skillsdk

import (
	"context"
	"encoding/json"
	"errors"
)

// CurrentAPIVersion is the runtime-api-version every skill must declare to
// be accepted by the registry.
const CurrentAPIVersion = "1"

// ErrContextUnavailable is returned by Context.DB when invoked from the
// default processor path, where scoped database access has not been
// designed yet.
var ErrContextUnavailable = errors.New("skillsdk: database access unavailable in this context")

// ToolDescriptor describes one tool a skill module offers. Name is the
// skill-local (unqualified) name; the registry exposes it to the model as
// "<skill-id>.<name>".
type ToolDescriptor struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	MutatesState bool
}

// DB is the scoped database handle injected into a tool call's Context.
// The default implementation always returns ErrContextUnavailable; it
// exists so the interface shape is stable once scoped access is designed.
type DB interface {
	Query(ctx context.Context, query string, args ...any) (any, error)
}

// unavailableDB is the DB implementation used by the registry today.
type unavailableDB struct{}

func (unavailableDB) Query(ctx context.Context, query string, args ...any) (any, error) {
	return nil, ErrContextUnavailable
}

// UnavailableDB is the shared unavailable DB handle the registry injects
// into every tool call's Context.
var UnavailableDB DB = unavailableDB{}

// Context is passed to every tool execution. Config carries the per-skill
// configuration the registry was constructed with for that skill.
type Context struct {
	Config map[string]any
	DB     DB
}

// Result is the successful outcome of a tool execution.
type Result struct {
	Content  string
	Metadata map[string]any
}

// Module is the capability interface a skill implementation must satisfy.
// A value satisfies Module structurally; no embedding or registration
// ceremony is required beyond implementing these two methods.
type Module interface {
	// ListTools returns the tools this module offers, using local
	// (unqualified) names.
	ListTools() []ToolDescriptor

	// Execute runs the local tool named name with the given JSON-encoded
	// arguments. Implementations are free to return any error; the
	// registry and agent loop are responsible for surfacing it as a
	// "tool" message rather than propagating it as a crash.
	Execute(ctx context.Context, sctx Context, name string, argumentsJSON string) (Result, error)
}
