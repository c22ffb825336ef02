// Package modeops implements the mode-activation mechanics shared by
// the Data Collector and the State Machine Engine: substituting {name}
// placeholders into a mode's enable/disable commands and sending them
// over a transport session in disable-then-enable order.
package modeops

import (
	"context"
	"strings"

	"github.com/labbench/sentinel/internal/model"
	"github.com/labbench/sentinel/internal/transport"
	"github.com/labbench/sentinel/internal/xerrors"
)

// Substitute replaces every {name} placeholder in command with the
// matching entry from params, failing closed if a referenced parameter
// has no value (§7 ParameterMissing).
func Substitute(modeID int, command string, params map[string]string) (string, error) {
	out := command
	for {
		start := strings.IndexByte(out, '{')
		if start < 0 {
			return out, nil
		}
		end := strings.IndexByte(out[start:], '}')
		if end < 0 {
			return out, nil
		}
		name := out[start+1 : start+end]
		val, ok := params[name]
		if !ok {
			return "", &xerrors.ParameterMissingError{ModeID: modeID, Name: name}
		}
		out = out[:start] + val + out[start+end+1:]
	}
}

// Activate sends oldMode's disable commands (if oldMode is non-nil)
// followed by newMode's enable commands, substituting params into each.
// Callers gate this behind an edge-triggered check (internal/modecell)
// so a mode already active is never re-sent.
func Activate(ctx context.Context, session transport.Sessioner, oldMode *model.Mode, newMode model.Mode, params map[string]string) error {
	if oldMode != nil {
		for _, cmd := range oldMode.DisableCommands {
			resolved, err := Substitute(oldMode.ID, cmd, params)
			if err != nil {
				return err
			}
			if err := session.Write(ctx, resolved); err != nil {
				return err
			}
		}
	}
	for _, cmd := range newMode.EnableCommands {
		resolved, err := Substitute(newMode.ID, cmd, params)
		if err != nil {
			return err
		}
		if err := session.Write(ctx, resolved); err != nil {
			return err
		}
	}
	return nil
}
