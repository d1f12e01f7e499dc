package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

type stubQemuAgentDomain struct {
	responses []guestExecStatusResponse
	call      int
	commands  []string
}

func (d *stubQemuAgentDomain) QemuAgentCommand(command string, _ libvirt.DomainQemuAgentCommandTimeout, _ uint32) (string, error) {
	d.commands = append(d.commands, command)
	if strings.Contains(command, `"guest-exec"`) {
		return `{"return":{"pid":99}}`, nil
	}
	if len(d.responses) == 0 {
		return "", errors.New("no responses configured")
	}
	idx := d.call
	if idx >= len(d.responses) {
		idx = len(d.responses) - 1
	}
	d.call++

	payload, err := json.Marshal(d.responses[idx])
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func TestWaitForGuestCommandPollsUntilExit(t *testing.T) {
	t.Parallel()

	domain := &stubQemuAgentDomain{
		responses: []guestExecStatusResponse{
			{Return: guestExecStatusResult{Exited: false}},
			{Return: guestExecStatusResult{Exited: false}},
			{
				Return: guestExecStatusResult{
					Exited:   true,
					ExitCode: 2,
					OutData:  base64.StdEncoding.EncodeToString([]byte("ok")),
					ErrData:  base64.StdEncoding.EncodeToString([]byte("failed")),
				},
			},
		},
	}

	result, err := waitForGuestCommand(context.Background(), domain, 123, time.Millisecond)
	if err != nil {
		t.Fatalf("waitForGuestCommand returned error: %v", err)
	}
	if result.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %d", result.ExitCode)
	}
	if result.Stdout != "ok" || result.Stderr != "failed" {
		t.Fatalf("unexpected output %+v", result)
	}
	if domain.call != 3 {
		t.Fatalf("expected 3 status queries, got %d", domain.call)
	}
}

func TestWaitForGuestCommandReportsSignals(t *testing.T) {
	t.Parallel()

	domain := &stubQemuAgentDomain{
		responses: []guestExecStatusResponse{
			{Return: guestExecStatusResult{Exited: true, Signal: 9}},
		},
	}

	result, err := waitForGuestCommand(context.Background(), domain, 123, time.Millisecond)
	if err != nil {
		t.Fatalf("waitForGuestCommand returned error: %v", err)
	}
	if result.ExitCode != 137 {
		t.Fatalf("expected exit code 137, got %d", result.ExitCode)
	}
}

func TestWaitForGuestCommandStopsOnCancel(t *testing.T) {
	t.Parallel()

	domain := &stubQemuAgentDomain{
		responses: []guestExecStatusResponse{
			{Return: guestExecStatusResult{Exited: false}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := waitForGuestCommand(ctx, domain, 123, time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	last := domain.commands[len(domain.commands)-1]
	if !strings.Contains(last, "/bin/kill") || !strings.Contains(last, "-123") {
		t.Fatalf("expected the process group to be signalled, last command %s", last)
	}
}

func TestRunGuestCommandSendsRequest(t *testing.T) {
	t.Parallel()

	domain := &stubQemuAgentDomain{
		responses: []guestExecStatusResponse{
			{Return: guestExecStatusResult{Exited: true}},
		},
	}

	if _, err := runGuestCommand(context.Background(), domain, "/bin/bash", []string{"-c", "true"}, true); err != nil {
		t.Fatalf("runGuestCommand returned error: %v", err)
	}

	var req guestExecRequest
	if err := json.Unmarshal([]byte(domain.commands[0]), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Execute != "guest-exec" || req.Arguments.Path != "/bin/bash" || !req.Arguments.CaptureOutput {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := runGuestCommand(context.Background(), domain, " ", nil, false); err == nil {
		t.Fatalf("expected an error for an empty path")
	}
}

func TestWaitForGuestAgentHonoursContext(t *testing.T) {
	t.Parallel()

	agent := &stubQemuAgentDomain{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := waitForGuestAgent(ctx, agent, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
