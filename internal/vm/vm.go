// Package vm defines the VM sandbox contract a job runner drives: boot a
// disposable VM per job, run a shell session inside it, and guarantee
// teardown on every exit path.
package vm

import "context"

// Opts selects which image and resources a sandboxed job needs.
type Opts struct {
	JobUUID     string
	Language    string
	Dist        string
	Group       string
	OSXImage    string
	CustomImage string
	Env         []string
}

// Session is a live shell connection into a booted sandbox, used by the
// job runner to drive the build script and collect output.
type Session interface {
	// Run executes command inside the sandbox, streaming stdout/stderr
	// chunks to onStdout/onStderr as they arrive. It blocks until the
	// command exits or ctx is cancelled.
	Run(ctx context.Context, command []string, onStdout, onStderr func([]byte)) (exitCode int, err error)
}

// Handle is a VM sandbox provider. One Handle is constructed per Instance
// and lives for the Instance's entire lifetime; it boots a fresh
// disposable sandbox on every Sandboxed call rather than being rebuilt
// per job.
type Handle interface {
	// Prepare provisions whatever the backend needs before it can boot
	// any sandbox at all (binary/kernel presence, run directories). It
	// is called exactly once, during Instance startup, before any job
	// is known — it never sees per-job Opts.
	Prepare(ctx context.Context) error

	// Sandboxed resolves opts' image selector, boots a fresh disposable
	// VM for this job, invokes body with a live Session, and guarantees
	// the VM is torn down before returning — on success, on a body
	// error, on ctx cancellation, or on panic recovery.
	Sandboxed(ctx context.Context, opts Opts, body func(ctx context.Context, session Session) error) error

	// FullName identifies this handle's backend and current sandbox
	// instance for logging and diagnostics (e.g. "firecracker/sbx_01h...").
	// Only meaningful while a Sandboxed call is in flight.
	FullName() string
}
