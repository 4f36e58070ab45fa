package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cortexlabs/cortex/pkg/skillsdk"
)

// Datetime exposes a single "now" tool returning the current wall-clock
// time in an optional IANA timezone.
type Datetime struct{}

var datetimeNowSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"timezone": {"type": "string"}
	}
}`)

func (Datetime) ListTools() []skillsdk.ToolDescriptor {
	return []skillsdk.ToolDescriptor{
		{
			Name:        "now",
			Description: "Return the current date and time, optionally in a given IANA timezone.",
			InputSchema: datetimeNowSchema,
		},
	}
}

type nowArgs struct {
	Timezone string `json:"timezone"`
}

func (Datetime) Execute(ctx context.Context, sctx skillsdk.Context, name string, argumentsJSON string) (skillsdk.Result, error) {
	if name != "now" {
		return skillsdk.Result{}, fmt.Errorf("datetime: unknown tool %q", name)
	}

	var args nowArgs
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return skillsdk.Result{}, fmt.Errorf("datetime.now: %w", err)
		}
	}

	loc := time.UTC
	if args.Timezone != "" {
		l, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return skillsdk.Result{}, fmt.Errorf("datetime.now: unknown timezone %q", args.Timezone)
		}
		loc = l
	}

	return skillsdk.Result{Content: time.Now().In(loc).Format(time.RFC3339)}, nil
}
