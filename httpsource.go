// Package httpsource is the top-level entry point for embedding the
// HTTP source connector task. It ties the configuration layer to the
// task coordinator; hosts that need finer control use the connector
// package directly.
package httpsource

import (
	"context"

	"github.com/Leon4s4/kafka-http-source-connector/connector"
	"github.com/Leon4s4/kafka-http-source-connector/core"
)

// NewTask validates the property map and starts a connector task with
// the host-supplied collaborators
func NewTask(ctx context.Context, properties map[string]string, opts connector.Options) (*connector.Task, error) {
	cfg, err := core.NewConfig(properties)
	if err != nil {
		return nil, err
	}
	return connector.Start(ctx, cfg, opts)
}

// NewTaskFromFile loads a YAML properties file and starts a task
func NewTaskFromFile(ctx context.Context, path string, opts connector.Options) (*connector.Task, error) {
	properties, err := core.LoadPropertiesFile(path)
	if err != nil {
		return nil, err
	}
	return NewTask(ctx, properties, opts)
}
