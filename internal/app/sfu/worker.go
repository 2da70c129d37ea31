// Package sfu is the pion-backed media engine: workers, routers, transports
// and the producer/consumer relays forwarding RTP between them.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/core"
	"github.com/dkeye/voicecore/internal/domain"
)

const tcpReadBufferSize = 8

// WorkerFactory starts the worker with the given pool index.
type WorkerFactory func(ctx context.Context, index int) (core.Worker, error)

type WorkerConfig struct {
	// ListenIP is the local address the worker's sockets bind to.
	ListenIP string
	// MinPort and MaxPort bound the worker ports; worker i binds MinPort+i.
	// Zero MinPort lets the OS pick.
	MinPort    int
	MaxPort    int
	EnableTCP  bool
	ICEServers []webrtc.ICEServer
}

func NewWorkerFactory(cfg WorkerConfig) WorkerFactory {
	return func(ctx context.Context, index int) (core.Worker, error) {
		return StartWorker(ctx, index, cfg)
	}
}

// watchedConn reports an unexpected read failure of the worker socket as
// worker death.
type watchedConn struct {
	net.PacketConn
	closing *atomic.Bool
	onDeath func(error)
}

func (c *watchedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(p)
	if err != nil && !c.closing.Load() {
		c.onDeath(err)
	}
	return n, addr, err
}

// Worker is one media-processing unit: a UDP (and optionally TCP) socket
// shared by every peer connection of the routers it hosts.
type Worker struct {
	id         int
	iceServers []webrtc.ICEServer
	logger     zerolog.Logger

	conn   *watchedConn
	udpMux ice.UDPMux
	tcpLn  net.Listener
	tcpMux ice.TCPMux

	closing atomic.Bool
	died    chan error
	once    sync.Once

	mu      sync.Mutex
	apis    map[string]*webrtc.API
	routers map[string]*Router
}

func StartWorker(ctx context.Context, index int, cfg WorkerConfig) (*Worker, error) {
	ip := cfg.ListenIP
	if ip == "" {
		ip = defaultListenIP
	}
	port := 0
	if cfg.MinPort > 0 {
		port = cfg.MinPort + index
		if cfg.MaxPort > 0 && port > cfg.MaxPort {
			return nil, fmt.Errorf("worker %d: port %d outside range %d-%d", index, port, cfg.MinPort, cfg.MaxPort)
		}
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	w := &Worker{
		id:         index,
		iceServers: cfg.ICEServers,
		logger:     log.With().Str("module", "sfu.worker").Int("worker", index).Logger(),
		died:       make(chan error, 1),
		apis:       make(map[string]*webrtc.API),
		routers:    make(map[string]*Router),
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("worker %d: listen udp %s: %w", index, addr, err)
	}
	w.conn = &watchedConn{PacketConn: pc, closing: &w.closing, onDeath: w.die}
	lf := loggerFactory{}
	w.udpMux = webrtc.NewICEUDPMux(lf.NewLogger("udpmux"), w.conn)

	if cfg.EnableTCP {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			w.closing.Store(true)
			_ = w.udpMux.Close()
			return nil, fmt.Errorf("worker %d: listen tcp %s: %w", index, addr, err)
		}
		w.tcpLn = ln
		w.tcpMux = webrtc.NewICETCPMux(lf.NewLogger("tcpmux"), ln, tcpReadBufferSize)
	}

	w.logger.Info().Str("addr", pc.LocalAddr().String()).Bool("tcp", cfg.EnableTCP).Msg("worker started")
	return w, nil
}

func (w *Worker) ID() int { return w.id }

// Addr is the local address of the worker's UDP socket.
func (w *Worker) Addr() net.Addr { return w.conn.LocalAddr() }

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) die(err error) {
	w.once.Do(func() {
		w.logger.Error().Err(err).Msg("worker socket failed")
		w.died <- fmt.Errorf("worker %d: %w: %v", w.id, domain.ErrWorkerDied, err)
	})
}

func (w *Worker) CreateRouter(_ context.Context, opts core.RouterOptions) (core.Router, error) {
	if w.closing.Load() {
		return nil, fmt.Errorf("worker %d: %w", w.id, domain.ErrWorkerDied)
	}
	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		room:       opts.Room,
		transports: make(map[string]*Transport),
		relays:     NewRelayManager(),
	}
	r.logger = w.logger.With().Str("router", r.id).Str("room", string(opts.Room)).Logger()

	w.mu.Lock()
	w.routers[r.id] = r
	w.mu.Unlock()

	r.logger.Info().Msg("router created")
	return r, nil
}

func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

func (w *Worker) forgetRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

// Close closes every router, then the sockets. It does not report on Died.
func (w *Worker) Close() error {
	if w.closing.Swap(true) {
		return nil
	}
	w.mu.Lock()
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}

	var errs []error
	if w.tcpMux != nil {
		errs = append(errs, w.tcpMux.Close())
	}
	errs = append(errs, w.udpMux.Close())
	w.logger.Info().Msg("worker closed")
	return errors.Join(errs...)
}

// api returns the webrtc API for the given transport options, building it
// on first use.
func (w *Worker) api(opts core.TransportOptions) (*webrtc.API, error) {
	key := apiKey(opts)
	w.mu.Lock()
	defer w.mu.Unlock()
	if api, ok := w.apis[key]; ok {
		return api, nil
	}
	api, err := w.buildAPI(opts)
	if err != nil {
		return nil, err
	}
	w.apis[key] = api
	return api, nil
}

func apiKey(opts core.TransportOptions) string {
	announced := make([]string, 0, len(opts.ListenAddresses))
	for _, a := range opts.ListenAddresses {
		announced = append(announced, a.IP+"/"+a.AnnouncedIP)
	}
	sort.Strings(announced)
	return fmt.Sprintf("udp=%t tcp=%t bitrate=%d addrs=%s",
		opts.EnableUDP, opts.EnableTCP, opts.InitialOutgoingBitrate, strings.Join(announced, ","))
}

func (w *Worker) buildAPI(opts core.TransportOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)

	var networks []webrtc.NetworkType
	if opts.EnableUDP {
		networks = append(networks, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
		se.SetICEUDPMux(w.udpMux)
	}
	if opts.EnableTCP {
		if w.tcpMux == nil {
			return nil, fmt.Errorf("worker %d: tcp requested but not enabled: %w", w.id, domain.ErrTransport)
		}
		networks = append(networks, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
		se.SetICETCPMux(w.tcpMux)
	}
	if len(networks) == 0 {
		return nil, fmt.Errorf("worker %d: no network type enabled: %w", w.id, domain.ErrBadRequest)
	}
	se.SetNetworkTypes(networks)

	var announced []string
	for _, a := range opts.ListenAddresses {
		if a.AnnouncedIP != "" {
			announced = append(announced, a.AnnouncedIP)
		}
	}
	if len(announced) > 0 {
		se.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
	}

	m, err := newMediaEngine()
	if err != nil {
		return nil, err
	}
	i, err := newInterceptors(m, opts.InitialOutgoingBitrate)
	if err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	), nil
}

var (
	audioCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	videoCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

// routerCapabilities are the codecs every router negotiates.
func routerCapabilities() []webrtc.RTPCodecCapability {
	return []webrtc.RTPCodecCapability{audioCodec, videoCodec}
}

func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: audioCodec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: videoCodec,
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	return m, nil
}

func newInterceptors(m *webrtc.MediaEngine, initialBitrate int) (*interceptor.Registry, error) {
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	if initialBitrate <= 0 {
		return i, nil
	}
	controller, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(gcc.SendSideBWEInitialBitrate(initialBitrate))
	})
	if err != nil {
		return nil, fmt.Errorf("congestion controller: %w", err)
	}
	i.Add(controller)
	if err := webrtc.ConfigureTWCCHeaderExtensionSender(m, i); err != nil {
		return nil, fmt.Errorf("twcc extensions: %w", err)
	}
	return i, nil
}
