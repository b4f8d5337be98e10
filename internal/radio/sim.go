package radio

import (
	"context"
	"errors"
	"sync"
)

// Air is an in-process shared channel connecting simulated radios. Every
// transmission reaches every other awake radio tuned to the same sync word.
type Air struct {
	mu     sync.Mutex
	radios []*SimRadio
}

func NewAir() *Air {
	return &Air{}
}

// Join adds a simulated radio. Link quality reported to receivers is fixed
// per radio.
func (a *Air) Join(sig SignalInfo) *SimRadio {
	r := &SimRadio{air: a, sig: sig}
	a.mu.Lock()
	a.radios = append(a.radios, r)
	a.mu.Unlock()

	return r
}

func (a *Air) broadcast(from *SimRadio, payload []byte) {
	a.mu.Lock()
	peers := append([]*SimRadio(nil), a.radios...)
	a.mu.Unlock()

	for _, peer := range peers {
		if peer == from {
			continue
		}
		peer.deliver(from.syncWord(), payload, from.sig)
	}
}

var errSimInit = errors.New("simulated init failure")

// SimRadio is a Driver backed by an Air.
type SimRadio struct {
	air *Air
	sig SignalInfo

	mu         sync.Mutex
	params     Params
	onPacket   func()
	listening  bool
	inbox      [][]byte
	inboxSig   []SignalInfo
	failInits  int
	failTx     bool
	failRearms int
	sent       [][]byte
	initCalls  int
	closed     bool
	configured bool
}

func (r *SimRadio) Name() string {
	return "sim"
}

// FailInits makes the next n Init calls fail.
func (r *SimRadio) FailInits(n int) {
	r.mu.Lock()
	r.failInits = n
	r.mu.Unlock()
}

// FailTransmit toggles chip-level transmit failures.
func (r *SimRadio) FailTransmit(fail bool) {
	r.mu.Lock()
	r.failTx = fail
	r.mu.Unlock()
}

// Sent returns copies of every payload transmitted so far.
func (r *SimRadio) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	for i, p := range r.sent {
		out[i] = append([]byte(nil), p...)
	}

	return out
}

// Listening reports whether the radio is in receive mode.
func (r *SimRadio) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.listening
}

func (r *SimRadio) InitCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.initCalls
}

// Inject delivers payload as if another radio had sent it.
func (r *SimRadio) Inject(payload []byte, sig SignalInfo) {
	r.deliver(r.syncWord(), payload, sig)
}

func (r *SimRadio) Init(_ context.Context, p Params, onPacket func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initCalls++
	if r.failInits > 0 {
		r.failInits--
		return errSimInit
	}
	r.params = p
	r.onPacket = onPacket
	r.configured = true
	r.closed = false

	return nil
}

func (r *SimRadio) Transmit(payload []byte) error {
	r.mu.Lock()
	if r.failTx {
		r.mu.Unlock()
		return errors.New("simulated transmit failure")
	}
	r.listening = false
	r.sent = append(r.sent, append([]byte(nil), payload...))
	r.mu.Unlock()

	r.air.broadcast(r, payload)

	return nil
}

// FailRearms makes the next n StartReceive calls fail.
func (r *SimRadio) FailRearms(n int) {
	r.mu.Lock()
	r.failRearms = n
	r.mu.Unlock()
}

func (r *SimRadio) StartReceive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRearms > 0 {
		r.failRearms--
		return errors.New("simulated receive arm failure")
	}
	r.listening = true

	return nil
}

func (r *SimRadio) ReadPacket(buf []byte) (int, SignalInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = false
	if len(r.inbox) == 0 {
		return 0, SignalInfo{}, ErrNoPacket
	}
	pkt, sig := r.inbox[0], r.inboxSig[0]
	r.inbox, r.inboxSig = r.inbox[1:], r.inboxSig[1:]
	if len(pkt) > len(buf) {
		return 0, SignalInfo{}, errors.New("receive buffer too small")
	}
	if len(r.inbox) > 0 && r.onPacket != nil {
		// More packets queued: raise the flag again like a chip would on the
		// next RxDone.
		defer r.onPacket()
	}

	return copy(buf, pkt), sig, nil
}

func (r *SimRadio) Sleep() error {
	r.mu.Lock()
	r.listening = false
	r.mu.Unlock()

	return nil
}

func (r *SimRadio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.listening = false
	r.mu.Unlock()

	return nil
}

func (r *SimRadio) syncWord() byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.params.SyncWord
}

func (r *SimRadio) deliver(syncWord byte, payload []byte, sig SignalInfo) {
	r.mu.Lock()
	if !r.configured || r.closed || !r.listening || r.params.SyncWord != syncWord {
		r.mu.Unlock()
		return
	}
	r.inbox = append(r.inbox, append([]byte(nil), payload...))
	r.inboxSig = append(r.inboxSig, sig)
	notify := r.onPacket
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}
