package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/convoflow/pkg/cmd"
	"github.com/dukex/convoflow/pkg/compiler"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingFile     = errors.New("workflow file is required")
	ErrInvalidWorkflow = errors.New("workflow is invalid")
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate a workflow file and print its compiled state machine",
		ArgsUsage: "<workflow.yaml|workflow.json>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Only print issues",
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return ErrMissingFile
			}

			return validateFile(os.Stdout, path, command.Bool("quiet"))
		},
	}
}

func validateFile(out io.Writer, path string, quiet bool) error {
	workflow, err := loadWorkflow(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.DiscardHandler)
	c := compiler.New(logger, cmd.NewRegistry(logger))

	result := c.Validate(workflow.Graph)

	_, _ = fmt.Fprintf(out, "Workflow: %s\n", workflowLabel(workflow, path))

	for _, issue := range result.Errors {
		_, _ = fmt.Fprintf(out, "  ERROR   %s\n", formatIssue(issue))
	}

	for _, issue := range result.Warnings {
		_, _ = fmt.Fprintf(out, "  WARNING %s\n", formatIssue(issue))
	}

	if !result.IsValid {
		return fmt.Errorf("%w: %d error(s)", ErrInvalidWorkflow, len(result.Errors))
	}

	machine, err := c.Compile(workflow.Graph, workflow.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	_, _ = fmt.Fprintln(out, "  VALID")

	if quiet {
		return nil
	}

	encoded, err := json.MarshalIndent(machine, "", "  ")
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(out, string(encoded))

	return nil
}

// loadWorkflow reads a workflow document or a bare graph from YAML or JSON.
func loadWorkflow(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc any

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		err = yaml.Unmarshal(data, &doc)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	fields, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to parse %s: expected a mapping at the top level", path)
	}

	// models carry json tags only, so YAML goes through a JSON round trip
	normalized, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	workflow := &models.Workflow{}

	if _, hasGraph := fields["graph"]; hasGraph {
		err = json.Unmarshal(normalized, workflow)
	} else {
		workflow.Graph = &models.Graph{}
		err = json.Unmarshal(normalized, workflow.Graph)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow in %s: %w", path, err)
	}

	if workflow.ID == "" {
		workflow.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return workflow, nil
}

func workflowLabel(workflow *models.Workflow, path string) string {
	if workflow.Name == "" {
		return path
	}

	return fmt.Sprintf("%s (%s)", workflow.Name, workflow.ID)
}

func formatIssue(issue models.ValidationIssue) string {
	if issue.NodeID == "" {
		return fmt.Sprintf("[%s] %s", issue.Code, issue.Message)
	}

	return fmt.Sprintf("[%s] %s: %s", issue.Code, issue.NodeID, issue.Message)
}
