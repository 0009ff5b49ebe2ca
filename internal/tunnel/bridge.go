package tunnel

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whisperlink/whisperlink/internal/logger"
)

// Bridge composes the relay and the provisioner: one call exposes the
// local listener at a public URL, one call tears everything down.
type Bridge struct {
	relay *Relay
	prov  *Provisioner
	log   *logrus.Logger

	mu        sync.Mutex
	relayPort int
	publicURL string
}

type BridgeOptions struct {
	// RelayPort is the fixed local port the relay binds; 0 lets the
	// OS choose.
	RelayPort int
	Provision Config
	Logger    *logrus.Logger
}

func NewBridge(listenerPort int, opts BridgeOptions) *Bridge {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	opts.Provision.Logger = log

	return &Bridge{
		relay:     NewRelay(listenerPort, log),
		prov:      NewProvisioner(opts.Provision),
		log:       log,
		relayPort: opts.RelayPort,
	}
}

// Open starts the relay, provisions the external tunnel, and returns
// the verified public URL. On any failure nothing is left running.
func (b *Bridge) Open() (string, error) {
	// A prior instance is torn down first so its port and process
	// cannot leak into the new one.
	b.Close()

	if err := b.relay.Start(b.relayPort); err != nil {
		return "", err
	}

	url, err := b.prov.CreateTunnel(b.relay.Port())
	if err != nil {
		b.relay.Stop()
		return "", err
	}

	b.mu.Lock()
	b.publicURL = url
	b.mu.Unlock()
	return url, nil
}

// Close stops the external process and the relay, regardless of prior
// state.
func (b *Bridge) Close() {
	b.prov.CloseTunnel()
	b.relay.Stop()

	b.mu.Lock()
	b.publicURL = ""
	b.mu.Unlock()
}

func (b *Bridge) PublicURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publicURL
}

func (b *Bridge) Running() bool {
	return b.relay.Running() && b.prov.State() == StateReady
}
