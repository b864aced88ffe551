package cli

import (
	"errors"
	"fmt"

	"flow-hq/domains/pkg/domainerr"
)

// Exit codes returned by the domains binary.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitConflict = 3
	ExitNotFound = 4
)

// ConfigError represents an error in configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		configErr    *ConfigError
		validation   *domainerr.ValidationError
		conflict     *domainerr.ConflictError
		portConflict *domainerr.PortConflictError
		notFound     *domainerr.NotFoundError
	)
	switch {
	case errors.As(err, &configErr), errors.As(err, &validation):
		return ExitUsage
	case errors.As(err, &conflict), errors.As(err, &portConflict):
		return ExitConflict
	case errors.As(err, &notFound):
		return ExitNotFound
	default:
		return ExitFailure
	}
}
