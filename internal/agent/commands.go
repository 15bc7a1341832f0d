package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Command outcomes recorded in metrics.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// PollAndExecuteCommands asks the controller for queued commands and runs
// them one by one, reporting each result before the next command starts.
// An empty queue is not an error. A failed poll is not retried.
func (a *Agent) PollAndExecuteCommands(ctx context.Context) error {
	cycleID := uuid.NewString()
	ctx = withCycleID(ctx, cycleID)
	logger := a.logger.With().Str("cycle_id", cycleID).Logger()

	queued, err := a.pollCommands(ctx)
	if errors.Is(err, ErrNoCommands) {
		logger.Debug().Msg("no commands queued")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to poll commands")
		return err
	}

	logger.Debug().Int("count", len(queued)).Msg("commands received")
	for i, raw := range queued {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, err := parseCommand(raw)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("skipping invalid command")
			a.metrics.RecordCommand(outcomeSkipped)
			continue
		}

		a.execute(ctx, logger, cmd)
	}

	return nil
}

func (a *Agent) pollCommands(ctx context.Context) ([]json.RawMessage, error) {
	var queued []json.RawMessage
	err := a.client.SendReport(ctx, AgentsPath, &Report{Status: KindCommandPollRequest}, &queued)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, ErrNoCommands
	}
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, ErrNoCommands
	}
	return queued, nil
}

// execute runs one command and reports its result. A failed result send is
// logged and does not stop the remaining commands.
func (a *Agent) execute(ctx context.Context, logger zerolog.Logger, cmd *Command) {
	logger = logger.With().RawJSON("command_id", cmd.ID).Logger()

	res := a.runner.Run(ctx, cmd.Text)
	if res.Failed() {
		logger.Warn().Err(res.Err).Int("exit_code", res.ExitCode).Msg("command failed")
		a.metrics.RecordCommand(outcomeFailed)
	} else {
		logger.Info().Dur("duration", res.Duration).Msg("command executed")
		a.metrics.RecordCommand(outcomeSucceeded)
	}

	result := &CommandResult{
		Status:    KindCommandResult,
		CommandID: cmd.ID,
		Response:  res.Response(),
	}
	if err := a.client.SendReport(ctx, AgentsPath, result, nil); err != nil {
		logger.Error().Err(err).Msg("failed to send command result")
		return
	}
	logger.Debug().Msg("command result sent")
}

// parseCommand decodes one queued command. The id must be present and not
// null or empty, and the command text must be a non-empty string.
func parseCommand(raw json.RawMessage) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	id := bytes.TrimSpace(cmd.ID)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) || bytes.Equal(id, []byte(`""`)) {
		return nil, errors.New("missing command_id")
	}
	if c := id[0]; c != '"' && c != '-' && (c < '0' || c > '9') {
		return nil, errors.New("command_id must be a string or number")
	}
	if cmd.Text == "" {
		return nil, errors.New("missing command")
	}

	cmd.ID = id
	return &cmd, nil
}
