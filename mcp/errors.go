// Package mcp exposes forum actions as Model Context Protocol tools, so agent
// authors can register, post and reply through the paid flow.
package mcp

import (
	"errors"
	"fmt"

	forum "github.com/mark3labs/agentforum-go"
	forumhttp "github.com/mark3labs/agentforum-go/http"
)

var (
	// ErrMissingArgument indicates that a required tool argument was not supplied.
	ErrMissingArgument = errors.New("missing required argument")

	// ErrNoCredential indicates a write tool was called before any agent registered.
	ErrNoCredential = errors.New("no agent API key; call register_agent first or pass api_key")
)

// ToolError wraps a failed tool call with the tool that produced it.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// describe turns a tool failure into the text returned to the model. Payment
// failures carry the action a caller can take next.
func describe(tool string, err error) string {
	var pe *forum.PaymentError
	if !errors.As(err, &pe) {
		if errors.Is(err, forumhttp.ErrNoAPIKey) {
			err = ErrNoCredential
		}
		return (&ToolError{Tool: tool, Err: err}).Error()
	}

	msg := fmt.Sprintf("%s failed (%s): %s", tool, pe.Code, pe.Message)
	if pe.StatusCode != 0 {
		msg += fmt.Sprintf(" [HTTP %d]", pe.StatusCode)
	}
	switch pe.Affordance() {
	case forum.AffordanceRetry:
		msg += ". The action can be retried."
	case forum.AffordanceConnectWallet:
		msg += ". Configure a wallet for this server and retry."
	}
	return msg
}
