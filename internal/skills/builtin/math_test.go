package builtin

import (
	"context"
	"fmt"
	"testing"

	"github.com/cortexlabs/cortex/pkg/skillsdk"
)

func TestMathListTools(t *testing.T) {
	tools := Math{}.ListTools()
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
}

func TestMathAdd(t *testing.T) {
	res, err := Math{}.Execute(context.Background(), skillsdk.Context{}, "add", `{"a":10,"b":20}`)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Content != "30" {
		t.Errorf("content = %q, want %q", res.Content, "30")
	}
}

func TestMathEval(t *testing.T) {
	cases := []struct {
		op   string
		a, b float64
		want string
	}{
		{"add", 2, 3, "5"},
		{"sub", 5, 3, "2"},
		{"mul", 4, 3, "12"},
		{"div", 9, 3, "3"},
	}
	for _, c := range cases {
		argsJSON := fmt.Sprintf(`{"op":"%s","a":%g,"b":%g}`, c.op, c.a, c.b)
		res, err := Math{}.Execute(context.Background(), skillsdk.Context{}, "eval", argsJSON)
		if err != nil {
			t.Fatalf("op=%s: %v", c.op, err)
		}
		if res.Content != c.want {
			t.Errorf("op=%s: content = %q, want %q", c.op, res.Content, c.want)
		}
	}
}

func TestMathEvalDivisionByZero(t *testing.T) {
	_, err := Math{}.Execute(context.Background(), skillsdk.Context{}, "eval", `{"op":"div","a":1,"b":0}`)
	if err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestMathUnknownTool(t *testing.T) {
	_, err := Math{}.Execute(context.Background(), skillsdk.Context{}, "unknown", `{}`)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestMathInvalidArguments(t *testing.T) {
	_, err := Math{}.Execute(context.Background(), skillsdk.Context{}, "add", `not json`)
	if err == nil {
		t.Fatal("expected error for invalid JSON arguments")
	}
}
