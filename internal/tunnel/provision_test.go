package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	killed atomic.Int32
	exited atomic.Bool
	output string
}

func (p *fakeProcess) Kill() error    { p.killed.Add(1); p.exited.Store(true); return nil }
func (p *fakeProcess) Exited() bool   { return p.exited.Load() }
func (p *fakeProcess) Output() string { return p.output }

type fakeRunner struct {
	startErr error
	proc     *fakeProcess
	started  atomic.Int32
}

func (r *fakeRunner) Start(localPort int) (Process, error) {
	r.started.Add(1)
	if r.startErr != nil {
		return nil, r.startErr
	}
	if r.proc == nil {
		r.proc = &fakeProcess{}
	}
	return r.proc, nil
}

// fakeDoer answers the control API and liveness probe from canned
// responders keyed by URL substring.
type fakeDoer struct {
	responses map[string]func() (*http.Response, error)
}

func httpResponse(status int, body string) (*http.Response, error) {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	for key, fn := range d.responses {
		if strings.Contains(req.URL.String(), key) {
			return fn()
		}
	}
	return nil, fmt.Errorf("no responder for %s", req.URL)
}

const tunnelsJSON = `{"tunnels":[
	{"public_url":"tcp://0.tcp.example:1234","proto":"tcp"},
	{"public_url":"https://abc123.tunnel.example","proto":"https"}
]}`

func newTestProvisioner(runner Runner, doer Doer) *Provisioner {
	return NewProvisioner(Config{
		ControlURL:   "http://127.0.0.1:4040/api/tunnels",
		PollInterval: time.Millisecond,
		PollAttempts: 3,
		Runner:       runner,
		Doer:         doer,
		Sleep:        func(time.Duration) {},
	})
}

func TestCreateTunnelSuccess(t *testing.T) {
	runner := &fakeRunner{}
	doer := &fakeDoer{responses: map[string]func() (*http.Response, error){
		"api/tunnels":    func() (*http.Response, error) { return httpResponse(200, tunnelsJSON) },
		"tunnel.example": func() (*http.Response, error) { return httpResponse(200, "up") },
	}}

	p := newTestProvisioner(runner, doer)
	url, err := p.CreateTunnel(9002)
	require.NoError(t, err)
	assert.Equal(t, "https://abc123.tunnel.example", url)
	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, url, p.PublicURL())
}

func TestCreateTunnelBinaryMissing(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("exec: ngrok: not found")}

	p := newTestProvisioner(runner, &fakeDoer{})
	_, err := p.CreateTunnel(9002)
	require.Error(t, err)

	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "launch", perr.Stage)
	assert.Equal(t, StateFailed, p.State())
	assert.Empty(t, p.PublicURL())
}

func TestCreateTunnelProcessExitsEarly(t *testing.T) {
	proc := &fakeProcess{output: "bind: address already in use"}
	proc.exited.Store(true)
	runner := &fakeRunner{proc: proc}

	p := newTestProvisioner(runner, &fakeDoer{})
	_, err := p.CreateTunnel(9002)
	require.Error(t, err)

	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "process", perr.Stage)
	assert.Contains(t, perr.Output, "address already in use")
}

func TestCreateTunnelControlAPINeverReady(t *testing.T) {
	proc := &fakeProcess{output: "starting..."}
	runner := &fakeRunner{proc: proc}
	doer := &fakeDoer{responses: map[string]func() (*http.Response, error){
		"api/tunnels": func() (*http.Response, error) { return nil, errors.New("connection refused") },
	}}

	p := newTestProvisioner(runner, doer)
	_, err := p.CreateTunnel(9002)
	require.Error(t, err)

	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "control-api", perr.Stage)

	// All-or-nothing: the process must have been killed.
	assert.Equal(t, int32(1), proc.killed.Load())
	assert.Equal(t, StateFailed, p.State())
}

func TestCreateTunnelLivenessProbeFails(t *testing.T) {
	proc := &fakeProcess{}
	runner := &fakeRunner{proc: proc}
	doer := &fakeDoer{responses: map[string]func() (*http.Response, error){
		"api/tunnels":    func() (*http.Response, error) { return httpResponse(200, tunnelsJSON) },
		"tunnel.example": func() (*http.Response, error) { return httpResponse(502, "bad gateway") },
	}}

	p := newTestProvisioner(runner, doer)
	_, err := p.CreateTunnel(9002)
	require.Error(t, err)

	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "liveness", perr.Stage)
	assert.Equal(t, int32(1), proc.killed.Load())
}

func TestCreateTunnelKillsStaleProcess(t *testing.T) {
	stale := &fakeProcess{}
	runner := &fakeRunner{proc: stale}
	doer := &fakeDoer{responses: map[string]func() (*http.Response, error){
		"api/tunnels":    func() (*http.Response, error) { return httpResponse(200, tunnelsJSON) },
		"tunnel.example": func() (*http.Response, error) { return httpResponse(200, "up") },
	}}

	p := newTestProvisioner(runner, doer)
	_, err := p.CreateTunnel(9002)
	require.NoError(t, err)

	// Second create must kill the first process before launching.
	runner.proc = &fakeProcess{}
	_, err = p.CreateTunnel(9002)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stale.killed.Load())
}

func TestCloseTunnelIdempotent(t *testing.T) {
	p := newTestProvisioner(&fakeRunner{}, &fakeDoer{})
	p.CloseTunnel()
	p.CloseTunnel()
	assert.Equal(t, StateIdle, p.State())
}

func TestBridgeAllOrNothing(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("exec: ngrok: not found")}

	b := NewBridge(9001, BridgeOptions{
		Provision: Config{
			Runner:       runner,
			Doer:         &fakeDoer{},
			Sleep:        func(time.Duration) {},
			PollInterval: time.Millisecond,
			PollAttempts: 2,
		},
	})

	_, err := b.Open()
	require.Error(t, err)

	// Provisioning failed, so the relay must not be left serving.
	assert.False(t, b.Running())
	assert.False(t, b.relay.Running())
	assert.Empty(t, b.PublicURL())

	// Close on the failed bridge is a no-op.
	b.Close()
}

func TestBridgeOpenClose(t *testing.T) {
	runner := &fakeRunner{}
	doer := &fakeDoer{responses: map[string]func() (*http.Response, error){
		"api/tunnels":    func() (*http.Response, error) { return httpResponse(200, tunnelsJSON) },
		"tunnel.example": func() (*http.Response, error) { return httpResponse(200, "up") },
	}}

	b := NewBridge(9001, BridgeOptions{
		Provision: Config{
			Runner:       runner,
			Doer:         doer,
			Sleep:        func(time.Duration) {},
			PollInterval: time.Millisecond,
			PollAttempts: 2,
		},
	})

	url, err := b.Open()
	require.NoError(t, err)
	assert.Equal(t, "https://abc123.tunnel.example", url)
	assert.True(t, b.Running())
	assert.Equal(t, url, b.PublicURL())

	b.Close()
	assert.False(t, b.Running())
	assert.Empty(t, b.PublicURL())
}
