package tunnel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisperlink/whisperlink/internal/logger"
)

// State of the provisioning machine. Transitions:
// Idle -> Starting -> Probing -> Ready | Failed, and anything -> Idle
// via CloseTunnel.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateProbing  State = "probing"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// ProvisionError reports which stage of create_tunnel failed, carrying
// the external process output for diagnosis.
type ProvisionError struct {
	Stage  string
	Output string
	Err    error
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("tunnel: provisioning failed at %s stage: %v", e.Stage, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\nprocess output:\n" + out
	}
	return msg
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Process is a handle on the launched external tunnel binary.
type Process interface {
	Kill() error
	Exited() bool
	Output() string
}

// Runner launches the external tunnel process pointed at a local port.
// Injectable so provisioning logic is testable without spawning
// anything.
type Runner interface {
	Start(localPort int) (Process, error)
}

// Doer issues the control-API polls and the liveness probe.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	// Binary is the external tunnel executable; Args are appended
	// after the port argument.
	Binary string
	Args   []string

	// ControlURL is the process's loopback API listing active tunnels.
	ControlURL string

	// Fixed-count, fixed-interval polling keeps the worst-case
	// create_tunnel latency predictable.
	PollInterval time.Duration
	PollAttempts int

	Runner Runner
	Doer   Doer
	Sleep  func(time.Duration)

	Logger *logrus.Logger
}

func (c *Config) fill() {
	if c.Binary == "" {
		c.Binary = "ngrok"
	}
	if len(c.Args) == 0 {
		c.Args = []string{"http"}
	}
	if c.ControlURL == "" {
		c.ControlURL = "http://127.0.0.1:4040/api/tunnels"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PollAttempts == 0 {
		c.PollAttempts = 20
	}
	if c.Runner == nil {
		c.Runner = &execRunner{binary: c.Binary, args: c.Args}
	}
	if c.Doer == nil {
		c.Doer = &http.Client{Timeout: 5 * time.Second}
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.Logger == nil {
		c.Logger = logger.NewLogger()
	}
}

// Provisioner supervises the external tunnel process and resolves its
// public URL.
type Provisioner struct {
	cfg Config
	log *logrus.Logger

	mu        sync.Mutex
	state     State
	proc      Process
	publicURL string
}

func NewProvisioner(cfg Config) *Provisioner {
	cfg.fill()
	return &Provisioner{cfg: cfg, log: cfg.Logger, state: StateIdle}
}

func (p *Provisioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Provisioner) PublicURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publicURL
}

// CreateTunnel launches the external process against the relay port,
// polls its control API for the public HTTPS URL, and verifies
// liveness. All-or-nothing: on any failure the process is terminated
// and no state is left behind.
func (p *Provisioner) CreateTunnel(relayPort int) (string, error) {
	p.mu.Lock()
	// Any prior process is terminated first to avoid port and process
	// leaks.
	if p.proc != nil {
		_ = p.proc.Kill()
		p.proc = nil
	}
	p.state = StateStarting
	p.publicURL = ""
	p.mu.Unlock()

	proc, err := p.cfg.Runner.Start(relayPort)
	if err != nil {
		p.fail()
		return "", &ProvisionError{Stage: "launch", Err: err}
	}

	p.mu.Lock()
	p.proc = proc
	p.state = StateProbing
	p.mu.Unlock()

	url, err := p.pollControlAPI(proc)
	if err != nil {
		p.teardown()
		return "", err
	}

	if err := p.probeLiveness(url); err != nil {
		p.teardown()
		return "", &ProvisionError{Stage: "liveness", Output: proc.Output(), Err: err}
	}

	p.mu.Lock()
	p.state = StateReady
	p.publicURL = url
	p.mu.Unlock()

	p.log.Infof("tunnel ready at %s", url)
	return url, nil
}

// CloseTunnel terminates the external process and resets to Idle.
// Safe to call when nothing is running.
func (p *Provisioner) CloseTunnel() {
	p.mu.Lock()
	proc := p.proc
	p.proc = nil
	p.state = StateIdle
	p.publicURL = ""
	p.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
}

func (p *Provisioner) fail() {
	p.mu.Lock()
	p.state = StateFailed
	p.mu.Unlock()
}

func (p *Provisioner) teardown() {
	p.mu.Lock()
	proc := p.proc
	p.proc = nil
	p.state = StateFailed
	p.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
}

type tunnelsResponse struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
	} `json:"tunnels"`
}

func (p *Provisioner) pollControlAPI(proc Process) (string, error) {
	for attempt := 0; attempt < p.cfg.PollAttempts; attempt++ {
		if proc.Exited() {
			return "", &ProvisionError{Stage: "process", Output: proc.Output(),
				Err: fmt.Errorf("tunnel process exited early")}
		}

		if url := p.queryTunnels(); url != "" {
			return url, nil
		}
		p.cfg.Sleep(p.cfg.PollInterval)
	}

	return "", &ProvisionError{Stage: "control-api", Output: proc.Output(),
		Err: fmt.Errorf("no public URL after %d attempts", p.cfg.PollAttempts)}
}

func (p *Provisioner) queryTunnels() string {
	req, err := http.NewRequest(http.MethodGet, p.cfg.ControlURL, nil)
	if err != nil {
		return ""
	}
	resp, err := p.cfg.Doer.Do(req)
	if err != nil {
		return ""
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var parsed tunnelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ""
	}

	for _, t := range parsed.Tunnels {
		if t.Proto == "https" || strings.HasPrefix(t.PublicURL, "https://") {
			return t.PublicURL
		}
	}
	return ""
}

func (p *Provisioner) probeLiveness(url string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.cfg.Doer.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// execRunner launches the real binary.
type execRunner struct {
	binary string
	args   []string
}

func (r *execRunner) Start(localPort int) (Process, error) {
	args := append(append([]string{}, r.args...), strconv.Itoa(localPort))
	cmd := exec.Command(r.binary, args...)

	proc := &execProcess{done: make(chan struct{})}
	cmd.Stdout = &proc.output
	cmd.Stderr = &proc.output

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	proc.cmd = cmd

	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	return proc, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	mu     sync.Mutex
	output lockedBuffer
}

func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	<-p.done
	return err
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Output() string {
	return p.output.String()
}

// lockedBuffer guards concurrent writes from the process pipes against
// reads from the provisioning goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
