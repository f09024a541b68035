package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

var (
	ErrNoCommand    = errors.New("agent command is not configured")
	ErrMissingToken = errors.New("agent token is not set")
)

const (
	stderrTail = 2048
	maxLine    = 1 << 20
)

// CommandConfig is read from the environment.
type CommandConfig struct {
	Command  string        `env:"CMO_AGENT_COMMAND"`
	Shell    string        `env:"CMO_AGENT_SHELL" envDefault:"sh"`
	TokenVar string        `env:"CMO_AGENT_TOKEN_VAR" envDefault:"GITHUB_TOKEN"`
	Grace    time.Duration `env:"CMO_AGENT_GRACE" envDefault:"5s"`
}

// Command runs a shell command per goal. The command receives the goal in CMO_GOAL
// and reports on stdout with one JSON object per line:
//
//	{"type":"progress","stage":"scraping","step":2}
//	{"type":"result","final_state":"done","artifacts":{"count":12}}
//
// Any other stdout line is kept and the last one is returned as the "output" artifact.
type Command struct {
	cfg    CommandConfig
	lookup func(string) (string, bool)
}

var _ Agent = (*Command)(nil)

func NewCommand(cfg CommandConfig) *Command {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.TokenVar == "" {
		cfg.TokenVar = "GITHUB_TOKEN"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return &Command{cfg: cfg, lookup: os.LookupEnv}
}

// CommandFromEnv builds a Command agent from CMO_AGENT_* variables.
func CommandFromEnv() (*Command, error) {
	cfg, err := env.ParseAs[CommandConfig]()
	if err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}
	return NewCommand(cfg), nil
}

type message struct {
	Type       string         `json:"type"`
	Stage      string         `json:"stage"`
	Step       *int           `json:"step"`
	Success    *bool          `json:"success"`
	FinalState string         `json:"final_state"`
	Artifacts  map[string]any `json:"artifacts"`
	Error      string         `json:"error"`
}

func (c *Command) Run(ctx context.Context, goal, createdBy string, progress ProgressFunc) (*model.Result, error) {
	if c.cfg.Command == "" {
		return nil, ErrNoCommand
	}
	token, ok := c.lookup(c.cfg.TokenVar)
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingToken, c.cfg.TokenVar)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Shell, "-c", c.cfg.Command)
	cmd.Env = append(os.Environ(),
		"CMO_GOAL="+goal,
		"CMO_CREATED_BY="+createdBy,
		c.cfg.TokenVar+"="+token,
	)
	cmd.WaitDelay = c.cfg.Grace

	stderr := &tail{max: stderrTail}
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	var (
		wg     sync.WaitGroup
		result *model.Result
		output string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), maxLine)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var msg message
			if json.Unmarshal([]byte(line), &msg) != nil || msg.Type == "" {
				output = line
				continue
			}
			switch msg.Type {
			case "progress":
				if progress != nil {
					progress(msg.Stage, msg.Step)
				}
			case "result":
				result = &model.Result{
					Success:    msg.Success == nil || *msg.Success,
					FinalState: msg.FinalState,
					Artifacts:  msg.Artifacts,
					Error:      msg.Error,
				}
				if msg.Error != "" && msg.Success == nil {
					result.Success = false
				}
			default:
				output = line
			}
		}
		// keep the writer side unblocked if the scanner gave up on a long line
		io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	pw.Close()
	wg.Wait()

	if result == nil {
		result = &model.Result{Success: true}
	}
	if output != "" {
		if result.Artifacts == nil {
			result.Artifacts = map[string]any{}
		}
		result.Artifacts["output"] = output
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		result.Success = false
		if msg := stderr.String(); msg != "" {
			return result, fmt.Errorf("%s: %w: %s", c.cfg.Command, err, msg)
		}
		return result, fmt.Errorf("%s: %w", c.cfg.Command, err)
	}
	return result, nil
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
