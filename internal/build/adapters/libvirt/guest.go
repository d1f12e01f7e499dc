package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

const guestPollInterval = 500 * time.Millisecond

type qemuAgent interface {
	QemuAgentCommand(command string, timeout libvirt.DomainQemuAgentCommandTimeout, flags uint32) (string, error)
}

type guestCommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type guestExecRequest struct {
	Execute   string             `json:"execute"`
	Arguments guestExecArguments `json:"arguments"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResponse struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type guestExecStatusRequest struct {
	Execute   string                   `json:"execute"`
	Arguments guestExecStatusArguments `json:"arguments"`
}

type guestExecStatusArguments struct {
	PID int `json:"pid"`
}

type guestExecStatusResponse struct {
	Return guestExecStatusResult `json:"return"`
}

type guestExecStatusResult struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode"`
	Signal   int    `json:"signal"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}

// waitForGuestAgent polls the guest agent until it answers or ctx is done.
func waitForGuestAgent(ctx context.Context, agent qemuAgent, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}

	request := `{"execute":"guest-ping"}`
	attempts := 0
	for {
		attempts++
		if _, err := agent.QemuAgentCommand(request, libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("guest agent did not answer after %d attempts: %w", attempts, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// runGuestCommand starts path inside the guest and waits for it to exit. A
// non-zero exit code is reported through the result, not as an error.
func runGuestCommand(ctx context.Context, agent qemuAgent, path string, args []string, capture bool) (guestCommandResult, error) {
	if strings.TrimSpace(path) == "" {
		return guestCommandResult{}, errors.New("guest command path is required")
	}
	if args == nil {
		args = []string{}
	}

	req := guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path:          path,
			Arg:           args,
			CaptureOutput: capture,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("marshal guest exec request: %w", err)
	}

	resp, err := agent.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("invoke guest exec: %w", err)
	}

	var execResp guestExecResponse
	if err := json.Unmarshal([]byte(resp), &execResp); err != nil {
		return guestCommandResult{}, fmt.Errorf("decode guest exec response: %w", err)
	}
	if execResp.Return.PID == 0 {
		return guestCommandResult{}, errors.New("guest exec returned invalid pid")
	}

	return waitForGuestCommand(ctx, agent, execResp.Return.PID, guestPollInterval)
}

func waitForGuestCommand(ctx context.Context, agent qemuAgent, pid int, interval time.Duration) (guestCommandResult, error) {
	req := guestExecStatusRequest{
		Execute: "guest-exec-status",
		Arguments: guestExecStatusArguments{
			PID: pid,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("marshal guest exec status request: %w", err)
	}

	for {
		resp, err := agent.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
		if err != nil {
			return guestCommandResult{}, fmt.Errorf("query guest exec status: %w", err)
		}

		var status guestExecStatusResponse
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return guestCommandResult{}, fmt.Errorf("decode guest exec status: %w", err)
		}

		if status.Return.Exited {
			code := status.Return.ExitCode
			if status.Return.Signal != 0 {
				code = 128 + status.Return.Signal
			}
			return guestCommandResult{
				ExitCode: code,
				Stdout:   decodeBase64(status.Return.OutData),
				Stderr:   decodeBase64(status.Return.ErrData),
			}, nil
		}

		select {
		case <-ctx.Done():
			killGuestProcess(agent, pid)
			return guestCommandResult{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// killGuestProcess is best effort; the agent has no kill command, so a
// shell inside the guest signals the process group.
func killGuestProcess(agent qemuAgent, pid int) {
	req := guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path: "/bin/kill",
			Arg:  []string{"-TERM", "--", fmt.Sprintf("-%d", pid)},
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	_, _ = agent.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
