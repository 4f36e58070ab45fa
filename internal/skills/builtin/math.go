// Package builtin holds reference skill modules exercising pkg/skillsdk,
// registered as "math" and "datetime" in cmd/cortexd's default registry.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cortexlabs/cortex/pkg/skillsdk"
)

// Math exposes arithmetic tools: add and eval of a small binary expression.
type Math struct{}

var mathAddSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"a": {"type": "number"},
		"b": {"type": "number"}
	},
	"required": ["a", "b"]
}`)

var mathEvalSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"op": {"type": "string", "enum": ["add", "sub", "mul", "div"]},
		"a": {"type": "number"},
		"b": {"type": "number"}
	},
	"required": ["op", "a", "b"]
}`)

func (Math) ListTools() []skillsdk.ToolDescriptor {
	return []skillsdk.ToolDescriptor{
		{
			Name:        "add",
			Description: "Add two numbers and return their sum.",
			InputSchema: mathAddSchema,
		},
		{
			Name:        "eval",
			Description: "Evaluate a binary arithmetic expression (add, sub, mul, div).",
			InputSchema: mathEvalSchema,
		},
	}
}

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type evalArgs struct {
	Op string  `json:"op"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

func (Math) Execute(ctx context.Context, sctx skillsdk.Context, name string, argumentsJSON string) (skillsdk.Result, error) {
	switch name {
	case "add":
		var args addArgs
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return skillsdk.Result{}, fmt.Errorf("math.add: %w", err)
		}
		return skillsdk.Result{Content: formatNumber(args.A + args.B)}, nil
	case "eval":
		var args evalArgs
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return skillsdk.Result{}, fmt.Errorf("math.eval: %w", err)
		}
		var result float64
		switch args.Op {
		case "add":
			result = args.A + args.B
		case "sub":
			result = args.A - args.B
		case "mul":
			result = args.A * args.B
		case "div":
			if args.B == 0 {
				return skillsdk.Result{}, fmt.Errorf("math.eval: division by zero")
			}
			result = args.A / args.B
		default:
			return skillsdk.Result{}, fmt.Errorf("math.eval: unknown op %q", args.Op)
		}
		return skillsdk.Result{Content: formatNumber(result)}, nil
	default:
		return skillsdk.Result{}, fmt.Errorf("math: unknown tool %q", name)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
