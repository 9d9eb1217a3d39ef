// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	logaction "github.com/dukex/convoflow/pkg/actions/log"
	"github.com/dukex/convoflow/pkg/actions/transform"
	"github.com/dukex/convoflow/pkg/actions/webhook"
	"github.com/dukex/convoflow/pkg/registry"
)

// NewRegistry returns a registry holding the native action handlers.
func NewRegistry(log *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(log)

	reg.Register(logaction.NewAction(log))
	reg.Register(webhook.NewAction(log))
	reg.Register(transform.NewAction(log))

	return reg
}
