// Package firecracker provides the concrete vm.Handle backed by a
// Firecracker microVM, driven over vsock with the vsockexec wire
// protocol. Adapted from this codebase's generic sandbox-execution
// backend, generalized from "run one caller-supplied command against a
// handle built fresh for it" to "provision the backend once at startup,
// then boot a disposable VM per job and drive its script over a fresh
// vsock connection".
package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"

	"github.com/ireznice/travis-worker/internal/idgen"
	"github.com/ireznice/travis-worker/internal/imagemgr"
	"github.com/ireznice/travis-worker/internal/vm"
	"github.com/ireznice/travis-worker/internal/vsockexec"
)

// Config holds the boot resources for every sandbox this Handle boots.
type Config struct {
	BinaryPath      string
	KernelImagePath string
	RunDir          string
	VCPUs           int64
	MemoryMiB       int64
	GuestCID        uint32
	GuestPort       uint32
	BootSeconds     int64
}

func (c Config) withDefaults() Config {
	if c.VCPUs <= 0 {
		c.VCPUs = 1
	}
	if c.MemoryMiB <= 0 {
		c.MemoryMiB = 512
	}
	if c.GuestCID == 0 {
		c.GuestCID = 3
	}
	if c.GuestPort == 0 {
		c.GuestPort = vsockexec.DefaultPort
	}
	if c.BootSeconds <= 0 {
		c.BootSeconds = 30
	}
	if c.BinaryPath == "" {
		c.BinaryPath = "firecracker"
	}
	return c
}

// Handle is the firecracker vm.Handle. One Handle is constructed per
// Instance and reused across every job it processes; Prepare runs once
// against it, and each job gets its own fresh sandboxID and disposable
// VM via Sandboxed.
type Handle struct {
	cfg    Config
	images *imagemgr.Manager

	firecrackerPath string
	kernelPath      string

	mu        sync.Mutex
	sandboxID string
}

// New constructs a Handle shared by every job this Instance processes.
// images resolves a job's resolved image selector to a rootfs path.
func New(cfg Config, images *imagemgr.Manager) *Handle {
	return &Handle{cfg: cfg.withDefaults(), images: images, sandboxID: idgen.NewSandboxID()}
}

// FullName implements vm.Handle. It reports whichever sandboxID is
// current: the Handle's own id before any job has run, or the in-flight
// job's id during a Sandboxed call.
func (h *Handle) FullName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("firecracker/%s", h.sandboxID)
}

// Prepare implements vm.Handle: verifies the host can boot a firecracker
// VM at all. It runs once, before any job is known, so it resolves no
// image — that happens per job, in Sandboxed.
func (h *Handle) Prepare(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("firecracker backend is linux-only, current OS is %s", runtime.GOOS)
	}

	firecrackerPath, err := exec.LookPath(h.cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("firecracker binary not found (%q): %w", h.cfg.BinaryPath, err)
	}
	h.firecrackerPath = firecrackerPath

	kernelPath, err := filepath.Abs(h.cfg.KernelImagePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(kernelPath); err != nil {
		return fmt.Errorf("kernel image %s: %w", kernelPath, err)
	}
	h.kernelPath = kernelPath

	if err := os.MkdirAll(h.cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("create sandbox run directory root %q: %w", h.cfg.RunDir, err)
	}
	return nil
}

func resolvedImage(opts vm.Opts) string {
	switch {
	case opts.CustomImage != "":
		return opts.CustomImage
	case opts.OSXImage != "":
		return opts.OSXImage
	case opts.Dist != "":
		return opts.Dist
	default:
		return opts.Language
	}
}

// Sandboxed implements vm.Handle: resolves this job's rootfs, boots a
// fresh disposable VM under a fresh sandboxID, runs body against a live
// Session, and guarantees teardown on every exit path.
func (h *Handle) Sandboxed(ctx context.Context, opts vm.Opts, body func(ctx context.Context, session vm.Session) error) (err error) {
	if h.firecrackerPath == "" || h.kernelPath == "" {
		return errors.New("Sandboxed called before a successful Prepare")
	}

	ref := resolvedImage(opts)
	if ref == "" {
		return errors.New("no image resolvable from job config (dist/osx_image/custom_image all empty)")
	}
	ensured, err := h.images.Ensure(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve rootfs image %q: %w", ref, err)
	}

	sandboxID := idgen.NewSandboxID()
	h.mu.Lock()
	h.sandboxID = sandboxID
	h.mu.Unlock()

	runDir := filepath.Join(h.cfg.RunDir, sandboxID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create sandbox run directory %q: %w", runDir, err)
	}

	vmRootFSPath := filepath.Join(runDir, "rootfs-ephemeral.ext4")
	if err := copyFile(ensured.Record.RootFSPath, vmRootFSPath); err != nil {
		return fmt.Errorf("prepare per-job rootfs: %w", err)
	}
	defer os.Remove(vmRootFSPath)

	vsockPath := filepath.Join(runDir, "vsock.sock")
	cfgPath := filepath.Join(runDir, "firecracker-config.json")
	if err := writeJSON(cfgPath, firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: h.kernelPath,
			BootArgs:        "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/worker-init",
		},
		Drives: []drive{{
			DriveID:      "rootfs",
			PathOnHost:   vmRootFSPath,
			IsRootDevice: true,
			IsReadOnly:   false,
		}},
		MachineConfig: machineConfig{
			VCPUCount:  h.cfg.VCPUs,
			MemSizeMiB: h.cfg.MemoryMiB,
			SMT:        false,
		},
		Vsock: &vsockConfig{
			VsockID:  "worker-vsock",
			GuestCID: h.cfg.GuestCID,
			UDSPath:  vsockPath,
		},
	}); err != nil {
		return err
	}

	apiSocket := filepath.Join(runDir, "firecracker.sock")
	stdoutFile, err := os.Create(filepath.Join(runDir, "firecracker.stdout.log"))
	if err != nil {
		return err
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(filepath.Join(runDir, "firecracker.stderr.log"))
	if err != nil {
		return err
	}
	defer stderrFile.Close()

	launchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fcCmd := exec.CommandContext(launchCtx, h.firecrackerPath, "--api-sock", apiSocket, "--config-file", cfgPath)
	fcCmd.Stdout = stdoutFile
	fcCmd.Stderr = stderrFile

	if err := fcCmd.Start(); err != nil {
		return fmt.Errorf("start firecracker: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- fcCmd.Wait() }()
	defer stopVM(fcCmd, waitCh)

	bootCtx, bootCancel := context.WithTimeout(ctx, time.Duration(h.cfg.BootSeconds)*time.Second)
	defer bootCancel()

	session := &vsockSession{vsockPath: vsockPath, guestPort: h.cfg.GuestPort, env: opts.Env, jobUUID: opts.JobUUID, waitCh: waitCh}
	if err := session.waitReady(bootCtx); err != nil {
		return err
	}

	return body(ctx, session)
}

type vsockSession struct {
	vsockPath string
	guestPort uint32
	env       []string
	jobUUID   string
	waitCh    <-chan error
}

func (s *vsockSession) waitReady(ctx context.Context) error {
	conn, err := dialVsockUntilReady(ctx, s.waitCh, s.vsockPath, s.guestPort)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Run implements vm.Session. Each call opens a fresh vsock connection,
// matching the guest agent's one-request-per-connection contract.
func (s *vsockSession) Run(ctx context.Context, command []string, onStdout, onStderr func([]byte)) (int, error) {
	conn, err := fcvsock.DialContext(ctx, s.vsockPath, s.guestPort)
	if err != nil {
		return 0, fmt.Errorf("dial guest vsock: %w", err)
	}
	defer conn.Close()

	if err := vsockexec.EncodeRequest(conn, vsockexec.ExecRequest{JobUUID: s.jobUUID, Command: command, Env: s.env}); err != nil {
		return 0, fmt.Errorf("send guest exec request: %w", err)
	}

	res, err := vsockexec.DecodeStreamResponse(conn, vsockexec.StreamCallbacks{OnStdout: onStdout, OnStderr: onStderr})
	if err != nil {
		return 0, fmt.Errorf("decode guest exec response: %w", err)
	}
	if res.Error != "" {
		return res.ExitCode, fmt.Errorf("guest command error: %s", res.Error)
	}
	return res.ExitCode, nil
}

type firecrackerConfig struct {
	BootSource    bootSource    `json:"boot-source"`
	Drives        []drive       `json:"drives"`
	MachineConfig machineConfig `json:"machine-config"`
	Vsock         *vsockConfig  `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func dialVsockUntilReady(ctx context.Context, waitCh <-chan error, vsockPath string, guestPort uint32) (io.ReadWriteCloser, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := fcvsock.DialContext(ctx, vsockPath, guestPort)
		if err == nil {
			return conn, nil
		}

		select {
		case waitErr := <-waitCh:
			if waitErr == nil {
				return nil, errors.New("firecracker exited before vsock guest agent became ready")
			}
			return nil, fmt.Errorf("firecracker exited before vsock guest agent became ready: %w", waitErr)
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for vsock guest agent (%s): %w", vsockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func stopVM(fcCmd *exec.Cmd, waitCh <-chan error) {
	if fcCmd.Process != nil {
		_ = fcCmd.Process.Kill()
	}
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
	}
}
