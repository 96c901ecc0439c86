package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// HarnessJob is everything a harness needs to execute one run. Token is a
// scoped run token the harness uses to call back into the controlplane.
type HarnessJob struct {
	RunID    string
	ThreadID string
	Token    string
	Params   map[string]any
}

// HarnessEvent is one line of harness output. Raw is the JSONL line as
// emitted; Type is its parsed "type" field, empty when the line is not
// valid JSON.
type HarnessEvent struct {
	Raw  string
	Type string
	Data map[string]any
}

type HarnessResult struct {
	// Output is the data of the final "result" event, nil when the
	// harness never emitted one.
	Output map[string]any
}

// Harness executes a run and streams events through the callback as they
// arrive. Implementations must honor ctx cancellation promptly.
type Harness interface {
	Run(ctx context.Context, job HarnessJob, events func(HarnessEvent)) (HarnessResult, error)
}

const (
	eventTypeResult = "result"

	// stderr kept for the failure message; full output is never retained.
	maxStderrTail = 4 << 10
)

// SubprocessHarness launches a harness binary per run. Protocol: job inputs
// via environment, events as JSON lines on stdout, non-zero exit = failure
// with the stderr tail as the message.
type SubprocessHarness struct {
	bin string
}

func NewSubprocessHarness(bin string) (*SubprocessHarness, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		return nil, errors.New("harness binary is required")
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("harness binary not found: %w", err)
	}
	return &SubprocessHarness{bin: bin}, nil
}

func (h *SubprocessHarness) Run(ctx context.Context, job HarnessJob, events func(HarnessEvent)) (HarnessResult, error) {
	if strings.TrimSpace(job.RunID) == "" {
		return HarnessResult{}, errors.New("run id is required")
	}

	params := job.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return HarnessResult{}, fmt.Errorf("encode params: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.bin)
	cmd.Env = append(cmd.Environ(),
		"RUN_ID="+job.RunID,
		"THREAD_ID="+job.ThreadID,
		"RUN_TOKEN="+job.Token,
		"RUNPLANE_PARAMS="+string(paramsJSON),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return HarnessResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: maxStderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return HarnessResult{}, fmt.Errorf("start harness: %w", err)
	}

	var result HarnessResult
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		event := parseEvent(line)
		if event.Type == eventTypeResult {
			result.Output = event.Data
		}
		if events != nil {
			events(event)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return result, fmt.Errorf("harness exited: %s", msg)
	}
	if scanErr != nil {
		return result, fmt.Errorf("read harness output: %w", scanErr)
	}
	return result, nil
}

func parseEvent(line string) HarnessEvent {
	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	event := HarnessEvent{Raw: line}
	if err := json.Unmarshal([]byte(line), &envelope); err == nil {
		event.Type = envelope.Type
		event.Data = envelope.Data
	}
	return event
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
