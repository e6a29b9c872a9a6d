// Package idgen generates the structured identifiers used for job runs
// and VM sandboxes. Structured IDs are typeid-prefixed (e.g. "run_...")
// with a timestamp-derived fallback if typeid generation ever fails, so
// an Instance never blocks on ID generation.
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil {
		return id
	}
	return fmt.Sprintf("%s_%d", prefix, time.Now().UTC().UnixNano())
}

// NewRunID identifies a single job-runner invocation.
func NewRunID() string {
	return newID("run")
}

// NewSandboxID identifies a single VM sandbox lifetime.
func NewSandboxID() string {
	return newID("sbx")
}

// NewDeliveryCorrelationID identifies one bus delivery, independent of the
// redelivery count the bus itself tracks.
func NewDeliveryCorrelationID() string {
	return uuid.NewString()
}

// NewConsumerName returns a consumer-group member name unique to this
// process, combining the host with a random suffix so restarts never
// collide with a still-registered prior consumer.
func NewConsumerName(host string) string {
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}
