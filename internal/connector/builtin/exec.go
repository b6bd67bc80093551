package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Exec is an actor that pipes each event as JSON to a command's stdin.
// Exit 0 is delivered; a non-zero exit is a retryable error unless
// reject_on_nonzero turns it into a terminal rejection.
type Exec struct {
	argv     []string
	rejectNZ bool
}

var execSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"command": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"minItems": 1,
		},
		"reject_on_nonzero": map[string]any{"type": "boolean"},
	},
	"required":             []any{"command"},
	"additionalProperties": false,
}

func NewExec() *Exec { return &Exec{} }

func (e *Exec) Init(_ context.Context, cfg connector.Config) error {
	schema, err := connector.CompileSchema(execSchema)
	if err != nil {
		return err
	}
	if err := cfg.Validate(schema); err != nil {
		return err
	}
	e.argv = cfg.GetStringSlice("command")
	e.rejectNZ = cfg.GetBool("reject_on_nonzero", false)
	return nil
}

func (e *Exec) Deliver(ctx context.Context, ev *event.Event, cfg connector.Config) connector.DeliveryResult {
	argv := e.argv
	if override := cfg.GetStringSlice("command"); len(override) > 0 {
		argv = override
	}
	body, err := ev.Marshal()
	if err != nil {
		return connector.DeliveryResult{Status: connector.StatusRejected, Err: err}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(body)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		runErr := fmt.Errorf("exec %s: %w (stderr: %s)", argv[0], err, truncate(stderr.String(), 512))
		if e.rejectNZ {
			if _, isExit := err.(*exec.ExitError); isExit {
				return connector.DeliveryResult{Status: connector.StatusRejected, Err: runErr}
			}
		}
		return connector.DeliveryResult{Status: connector.StatusError, Err: runErr}
	}
	return connector.DeliveryResult{Status: connector.StatusDelivered}
}

func (e *Exec) Shutdown(context.Context) error { return nil }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
