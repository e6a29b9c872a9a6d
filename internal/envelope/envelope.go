// Package envelope decodes and validates job payloads arriving on the
// inbound build queue.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Job is a single build job description, as delivered on the inbound
// queue. Field names mirror the wire payload (snake_case via json tags)
// so the decoded struct can be re-marshalled for diagnostics without a
// second mapping layer.
type Job struct {
	UUID   string `json:"uuid"`
	JobID  int64  `json:"job_id"`
	Type   string `json:"type"`
	Config Config `json:"config"`
	Queue  string `json:"queue,omitempty"`

	// Script is the base64-encoded build script the runner executes
	// inside the sandbox, as rendered upstream of the worker.
	Script string `json:"script,omitempty"`

	Timeouts Timeouts `json:"timeouts,omitempty"`
}

// DecodedScript base64-decodes Script. A job with no script decodes to
// an empty (not nil) slice.
func (j Job) DecodedScript() ([]byte, error) {
	if strings.TrimSpace(j.Script) == "" {
		return []byte{}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(j.Script)
	if err != nil {
		return nil, fmt.Errorf("decode job script: %w", err)
	}
	return decoded, nil
}

// Config carries the job's build matrix / environment selection fields.
// Not every field is relevant to every backend; unknown/empty ones are
// passed through unexamined.
type Config struct {
	Language     string   `json:"language,omitempty"`
	Dist         string   `json:"dist,omitempty"`
	Group        string   `json:"group,omitempty"`
	OSXImage     string   `json:"osx_image,omitempty"`
	CustomImage  string   `json:"custom_image,omitempty"`
	Env          []string `json:"env,omitempty"`
	Source       string   `json:"source,omitempty"`
}

// Timeouts overrides the worker's configured defaults for a single job.
// A zero value means "use the configured default".
type Timeouts struct {
	HardLimitSeconds   int64 `json:"hard_limit,omitempty"`
	LogSilenceSeconds  int64 `json:"log_silence,omitempty"`
}

// Decode parses and validates a raw job payload. It mirrors the
// vsockexec wire decoder's pattern of unmarshalling first, then checking
// required fields explicitly rather than relying on JSON schema.
func Decode(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	if err := validate(job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func validate(job Job) error {
	if strings.TrimSpace(job.UUID) == "" {
		return fmt.Errorf("job payload missing uuid")
	}
	if job.JobID <= 0 {
		return fmt.Errorf("job payload missing job_id")
	}
	if strings.TrimSpace(job.Type) == "" {
		return fmt.Errorf("job payload missing type")
	}
	return nil
}

// ResolvedImage returns the image selector to hand to the image
// manager: an explicit custom image wins, otherwise the osx_image field,
// otherwise the dist name.
func (c Config) ResolvedImage() string {
	switch {
	case strings.TrimSpace(c.CustomImage) != "":
		return c.CustomImage
	case strings.TrimSpace(c.OSXImage) != "":
		return c.OSXImage
	default:
		return c.Dist
	}
}
