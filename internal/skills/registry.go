// Package skills implements the immutable, namespaced tool catalog (C6)
// over the duck-typed pkg/skillsdk.Module capability interface, grounded
// on the teacher's pkg/pluginsdk manifest/validation pattern.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cortexlabs/cortex/pkg/skillsdk"
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Definition describes one skill to register: a stable id, the api version
// it claims to speak, the module implementing it, and the config injected
// into every tool call's Context for that skill.
type Definition struct {
	ID         string
	APIVersion string
	Module     skillsdk.Module
	Config     map[string]any
}

// ToolDefinition is the registry's immutable view of one qualified tool.
type ToolDefinition struct {
	QualifiedName string
	Description   string
	InputSchema   []byte
	MutatesState  bool
}

type boundSkill struct {
	id     string
	module skillsdk.Module
	config map[string]any
}

// Registry is the immutable, construction-validated skill catalog.
type Registry struct {
	skills  map[string]boundSkill
	tools   []ToolDefinition
	owner   map[string]string // qualified tool name -> skill id
	schemas map[string]*jsonschema.Schema
}

// New constructs a Registry from defs, validating every rule in one pass:
// duplicate skill id, invalid identifier form, mismatched api version,
// duplicate qualified tool name, a nil module, and a tool input schema that
// does not compile.
func New(defs []Definition) (*Registry, error) {
	r := &Registry{
		skills:  make(map[string]boundSkill, len(defs)),
		owner:   make(map[string]string),
		schemas: make(map[string]*jsonschema.Schema),
	}

	for _, d := range defs {
		if !identifierPattern.MatchString(d.ID) {
			return nil, fmt.Errorf("skills: invalid skill id %q: must match %s", d.ID, identifierPattern.String())
		}
		if _, exists := r.skills[d.ID]; exists {
			return nil, fmt.Errorf("skills: duplicate skill id %q", d.ID)
		}
		if d.APIVersion != skillsdk.CurrentAPIVersion {
			return nil, fmt.Errorf("skills: skill %q declares api version %q, want %q", d.ID, d.APIVersion, skillsdk.CurrentAPIVersion)
		}
		if d.Module == nil {
			return nil, fmt.Errorf("skills: skill %q has a nil module", d.ID)
		}

		descriptors := d.Module.ListTools()
		for _, desc := range descriptors {
			qualified := d.ID + "." + desc.Name
			if owner, exists := r.owner[qualified]; exists {
				return nil, fmt.Errorf("skills: duplicate qualified tool name %q (owned by %q and %q)", qualified, owner, d.ID)
			}
			r.owner[qualified] = d.ID
			r.tools = append(r.tools, ToolDefinition{
				QualifiedName: qualified,
				Description:   desc.Description,
				InputSchema:   desc.InputSchema,
				MutatesState:  desc.MutatesState,
			})

			if len(desc.InputSchema) > 0 {
				schema, err := jsonschema.CompileString(qualified+".schema.json", string(desc.InputSchema))
				if err != nil {
					return nil, fmt.Errorf("skills: tool %q declares an invalid input schema: %w", qualified, err)
				}
				r.schemas[qualified] = schema
			}
		}

		r.skills[d.ID] = boundSkill{id: d.ID, module: d.Module, config: d.Config}
	}

	return r, nil
}

// Tools returns the immutable list of qualified tool definitions.
func (r *Registry) Tools() []ToolDefinition {
	out := make([]ToolDefinition, len(r.tools))
	copy(out, r.tools)
	return out
}

// IsMutating reports whether qualifiedName was declared with
// mutates_state=true. Unknown names report false.
func (r *Registry) IsMutating(qualifiedName string) bool {
	for _, t := range r.tools {
		if t.QualifiedName == qualifiedName {
			return t.MutatesState
		}
	}
	return false
}

// Execute locates the skill owning qualifiedName, strips the namespace
// prefix before handing the local tool name to the module, and recovers
// from a module panic so a buggy skill can never take down the processor.
func (r *Registry) Execute(ctx context.Context, qualifiedName string, argumentsJSON string) (result skillsdk.Result, err error) {
	skillID, localName, ok := splitQualified(qualifiedName)
	if !ok {
		return skillsdk.Result{}, fmt.Errorf("skills: malformed qualified tool name %q", qualifiedName)
	}

	bound, exists := r.skills[skillID]
	if !exists {
		return skillsdk.Result{}, fmt.Errorf("skills: unknown skill %q", skillID)
	}

	if schema, ok := r.schemas[qualifiedName]; ok {
		var decoded any
		if err := json.Unmarshal([]byte(argumentsJSON), &decoded); err != nil {
			return skillsdk.Result{}, fmt.Errorf("skills: tool %q arguments are not valid JSON: %w", qualifiedName, err)
		}
		if err := schema.Validate(decoded); err != nil {
			return skillsdk.Result{}, fmt.Errorf("skills: tool %q arguments failed schema validation: %w", qualifiedName, err)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("skills: tool %q panicked: %v", qualifiedName, rec)
		}
	}()

	sctx := skillsdk.Context{Config: bound.config, DB: skillsdk.UnavailableDB}
	return bound.module.Execute(ctx, sctx, localName, argumentsJSON)
}

func splitQualified(qualifiedName string) (skillID, local string, ok bool) {
	idx := strings.Index(qualifiedName, ".")
	if idx <= 0 || idx == len(qualifiedName)-1 {
		return "", "", false
	}
	return qualifiedName[:idx], qualifiedName[idx+1:], true
}
