// Package model defines the domain types and value objects for the
// sandboxpipe CLI.
//
// This package contains pure data structures with no external dependencies:
// session configuration, command results, exposed ports, launched processes,
// extraction results, and the metadata of sandboxes discovered on the
// Docker host from their labels.
//
// The package also defines the error taxonomy (ErrSessionUnavailable,
// ErrTimeout, ErrArtifactNotFound, ErrConfigMissing, StepFailedError), the
// exit codes (ExitCode), and a custom error type (CLIError) that carries exit
// codes for proper OS process exit handling.
package model
