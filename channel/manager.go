package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quorumkv/raftlog/scheduler"
	"github.com/quorumkv/raftlog/types"
	"github.com/quorumkv/raftlog/wire"
)

const (
	reconnectInitialBackoff = 10 * time.Millisecond
	reconnectMaxBackoff     = time.Second
)

// Acceptor receives raw, post-handshake sockets for non-control connection
// types (plain, join, snapshot); the manager hands off and does not read
// from these itself.
type Acceptor func(conn net.Conn, connType wire.ConnType, senderID types.MemberID)

// Config configures a Manager.
type Config struct {
	LocalMemberID     types.MemberID
	GroupID           uint64
	GroupToken        uint64
	GroupToken2       uint64 // optional second token for rolling rotation; 0 disables
	ListenAddress     string
	Logger            log.Logger
	Registerer        prometheus.Registerer
	Scheduler         *scheduler.Scheduler
	Handle            Handler
	Unknown           UnknownHandler
	Acceptor          Acceptor
	UncaughtJoinFault func(peerAddr string, err error) // first join-rejection per outbound channel
}

// Manager owns the accept loop, the set of outbound client channels (one
// per configured peer, reconnecting in the background), and the
// write-timeout supervisor tick.
type Manager struct {
	cfg     Config
	metrics *managerMetrics

	mu        sync.Mutex
	listener  net.Listener
	clients   map[types.MemberID]*clientState
	servers   map[*Channel]struct{}
	partition atomic.Bool
	stopped   atomic.Bool

	cancelTick scheduler.Cancel
}

type clientState struct {
	peerID     types.MemberID
	addr       string
	ch         *Channel
	backoff    time.Duration
	cancelDial scheduler.Cancel
	firstFault bool
}

type managerMetrics struct {
	accepted        prometheus.Counter
	rejected        prometheus.Counter
	reconnects      prometheus.Counter
	writeTimeouts   prometheus.Counter
	activeChannels  prometheus.Gauge
}

func newManagerMetrics(reg prometheus.Registerer) *managerMetrics {
	return &managerMetrics{
		accepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "channel_manager_accepted_total", Help: "Connections accepted.",
		}),
		rejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "channel_manager_rejected_total", Help: "Connections rejected (magic/token/group mismatch or partition).",
		}),
		reconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "channel_manager_reconnects_total", Help: "Outbound reconnect attempts.",
		}),
		writeTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "channel_manager_write_timeouts_total", Help: "Channels force-closed by the write-timeout supervisor.",
		}),
		activeChannels: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "channel_manager_active_channels", Help: "Currently open channels (client and server).",
		}),
	}
}

// New constructs a Manager. Call Listen to start accepting and AddPeer for
// each outbound connection to maintain.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	m := &Manager{
		cfg:     cfg,
		metrics: newManagerMetrics(cfg.Registerer),
		clients: make(map[types.MemberID]*clientState),
		servers: make(map[*Channel]struct{}),
	}
	if cfg.Scheduler != nil {
		m.cancelTick = cfg.Scheduler.Every(writeCheckDelay, m.tickAll)
	}
	return m
}

// Listen starts the single accept loop on cfg.ListenAddress.
func (m *Manager) Listen() error {
	l, err := net.Listen("tcp", m.cfg.ListenAddress)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
	go m.acceptLoop(l)
	return nil
}

func (m *Manager) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if m.stopped.Load() {
				return
			}
			level.Error(m.cfg.Logger).Log("msg", "accept failed", "err", err)
			continue
		}
		go m.handleAccepted(conn)
	}
}

func (m *Manager) handleAccepted(conn net.Conn) {
	if m.partition.Load() {
		conn.Close()
		m.metrics.rejected.Inc()
		return
	}
	hdr, err := wire.ReadConnectHeader(conn)
	if err != nil {
		level.Debug(m.cfg.Logger).Log("msg", "connect header read failed", "err", err)
		conn.Close()
		return
	}
	if !m.validToken(hdr.GroupToken) || hdr.GroupID != m.cfg.GroupID {
		conn.Write(wire.RejectHeader())
		conn.Close()
		m.metrics.rejected.Inc()
		return
	}

	reply := wire.ConnectHeader{GroupToken: hdr.GroupToken, GroupID: hdr.GroupID, SenderID: m.cfg.LocalMemberID, Type: hdr.Type}
	if err := wire.WriteConnectHeader(conn, reply); err != nil {
		conn.Close()
		return
	}
	m.metrics.accepted.Inc()

	if hdr.Type == wire.ConnControl {
		ch := New(conn, RoleServer, hdr.SenderID, m.cfg.Logger, m.onServerClosed)
		m.mu.Lock()
		m.servers[ch] = struct{}{}
		m.mu.Unlock()
		m.metrics.activeChannels.Inc()
		go ch.InputLoop(m.cfg.Handle, m.cfg.Unknown)
		return
	}
	if m.cfg.Acceptor != nil {
		m.cfg.Acceptor(conn, hdr.Type, hdr.SenderID)
	} else {
		conn.Close()
	}
}

func (m *Manager) validToken(token uint64) bool {
	if token == m.cfg.GroupToken {
		return true
	}
	return m.cfg.GroupToken2 != 0 && token == m.cfg.GroupToken2
}

func (m *Manager) onServerClosed(ch *Channel) {
	m.mu.Lock()
	delete(m.servers, ch)
	m.mu.Unlock()
	m.metrics.activeChannels.Dec()
}

// AddPeer registers an outbound control channel to peerID at addr, dialing
// immediately and reconnecting in the background on disconnect.
func (m *Manager) AddPeer(peerID types.MemberID, addr string) {
	m.mu.Lock()
	if _, exists := m.clients[peerID]; exists {
		m.mu.Unlock()
		return
	}
	cs := &clientState{peerID: peerID, addr: addr, backoff: reconnectInitialBackoff, firstFault: true}
	m.clients[peerID] = cs
	m.mu.Unlock()
	m.dial(cs)
}

// Client returns the current channel to peerID, if connected.
func (m *Manager) Client(peerID types.MemberID) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.clients[peerID]
	if !ok || cs.ch == nil || cs.ch.Closed() {
		return nil, false
	}
	return cs.ch, true
}

func (m *Manager) dial(cs *clientState) {
	if m.stopped.Load() || m.partition.Load() {
		m.scheduleRedial(cs)
		return
	}
	m.metrics.reconnects.Inc()
	conn, err := net.DialTimeout("tcp", cs.addr, 5*time.Second)
	if err != nil {
		level.Debug(m.cfg.Logger).Log("msg", "dial failed", "peer", cs.peerID, "err", err)
		m.scheduleRedial(cs)
		return
	}

	req := wire.ConnectHeader{GroupToken: m.cfg.GroupToken, GroupID: m.cfg.GroupID, SenderID: m.cfg.LocalMemberID, Type: wire.ConnControl}
	if err := wire.WriteConnectHeader(conn, req); err != nil {
		conn.Close()
		m.scheduleRedial(cs)
		return
	}
	reply, err := wire.ReadConnectHeader(conn)
	if err != nil || reply.GroupToken == 0 {
		if cs.firstFault && m.cfg.UncaughtJoinFault != nil {
			m.cfg.UncaughtJoinFault(cs.addr, types.ErrJoinRejected)
		}
		cs.firstFault = false
		conn.Close()
		m.scheduleRedial(cs)
		return
	}
	cs.firstFault = true // reset suppression after a successful connect

	ch := New(conn, RoleClient, cs.peerID, m.cfg.Logger, func(c *Channel) {
		m.metrics.activeChannels.Dec()
		m.scheduleRedial(cs)
	})
	m.mu.Lock()
	cs.ch = ch
	cs.backoff = reconnectInitialBackoff
	m.mu.Unlock()
	m.metrics.activeChannels.Inc()
	go ch.InputLoop(m.cfg.Handle, m.cfg.Unknown)
}

func (m *Manager) scheduleRedial(cs *clientState) {
	if m.stopped.Load() {
		return
	}
	m.mu.Lock()
	delay := cs.backoff
	cs.backoff *= 2
	if cs.backoff > reconnectMaxBackoff {
		cs.backoff = reconnectMaxBackoff
	}
	m.mu.Unlock()
	if m.cfg.Scheduler != nil {
		m.cfg.Scheduler.After(delay, func() { m.dial(cs) })
		return
	}
	time.AfterFunc(delay, func() { m.dial(cs) })
}

func (m *Manager) tickAll() {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.clients)+len(m.servers))
	for _, cs := range m.clients {
		if cs.ch != nil {
			chans = append(chans, cs.ch)
		}
	}
	for ch := range m.servers {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	// Ticked outside m.mu: a forced close runs onClose, which takes m.mu.
	for _, ch := range chans {
		ch.tickWriteTimeout()
	}
}

// SetPartitioned enables or disables partition simulation: while true, new
// connections are rejected and active ones closed.
func (m *Manager) SetPartitioned(partitioned bool) {
	m.partition.Store(partitioned)
	if !partitioned {
		return
	}
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.clients)+len(m.servers))
	for _, cs := range m.clients {
		if cs.ch != nil {
			chans = append(chans, cs.ch)
		}
	}
	for ch := range m.servers {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}

// Stop closes the listener, all channels, and the write-timeout ticker.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	if m.cancelTick != nil {
		m.cancelTick()
	}
	m.mu.Lock()
	if m.listener != nil {
		m.listener.Close()
	}
	chans := make([]*Channel, 0, len(m.clients)+len(m.servers))
	for _, cs := range m.clients {
		if cs.ch != nil {
			chans = append(chans, cs.ch)
		}
	}
	for ch := range m.servers {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}
