// Command flowbridge-harness is a reference binary kept minimal and
// clearly marked as a reference, not part of the core engine's tested
// surface: it wires pkg/engine to a real TUN device
// (github.com/songgao/water) and implements the host side of the
// callback contract with a pluggable bypass transport — direct sockets
// by default, or a websocket/shadowsocks relay when configured.
//
// Production hardening (platform fwmark/routing-mark handling, a rule CLI
// front-end, C ABI bindings, log-sink configuration beyond a verbosity
// flag) is out of scope here; this binary exists so the engine can be
// driven end-to-end by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/songgao/water"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"

	"github.com/relaytun/flowbridge/internal/logging"
	"github.com/relaytun/flowbridge/pkg/engine"
	"github.com/relaytun/flowbridge/pkg/policy"
	"github.com/relaytun/flowbridge/pkg/ruleparser"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file; explicitly set flags override its values")
		device     = flag.String("tun-device", "flowbridge0", "TUN device name")
		mtu        = flag.Int("mtu", 1500, "TUN device MTU")
		profile    = flag.String("profile", "desktop", "budget profile: desktop or embedded")
		rulesFlag  = flag.String("rules", "", "rule string grammar, e.g. '*.ads.test:block;slow.test:shape:100:20'")
		verbose    = flag.Bool("v", false, "verbose logging")
		wsRelay    = flag.String("ws-relay", "", "optional websocket relay URL for the bypass dialer (wss://host:port/path)")
		ssCipher   = flag.String("ss-cipher", "", "shadowsocks cipher name layered over the websocket relay (requires -ws-relay)")
		ssSecret   = flag.String("ss-secret", "", "shadowsocks pre-shared secret")
	)
	flag.Parse()

	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	logging.Init(level)
	log := logging.L().Sugar()

	var fileCfg harnessConfig
	if *configPath != "" {
		var err error
		fileCfg, err = loadHarnessConfig(*configPath)
		if err != nil {
			log.Fatalf("loading -config: %v", err)
		}
	}
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if fileCfg.Device != "" && !explicit["tun-device"] {
		*device = fileCfg.Device
	}
	if fileCfg.MTU != 0 && !explicit["mtu"] {
		*mtu = fileCfg.MTU
	}
	if fileCfg.Profile != "" && !explicit["profile"] {
		*profile = fileCfg.Profile
	}
	if fileCfg.Rules != "" && !explicit["rules"] {
		*rulesFlag = fileCfg.Rules
	}
	if fileCfg.WSRelay != "" && !explicit["ws-relay"] {
		*wsRelay = fileCfg.WSRelay
	}
	if fileCfg.SSCipher != "" && !explicit["ss-cipher"] {
		*ssCipher = fileCfg.SSCipher
	}
	if fileCfg.SSSecret != "" && !explicit["ss-secret"] {
		*ssSecret = fileCfg.SSSecret
	}

	cfg := fileCfg.engineConfig()
	cfg.MTU = *mtu
	cfg.Profile = engine.ProfileDesktop
	if *profile == "embedded" {
		cfg.Profile = engine.ProfileEmbedded
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("engine.New: %v", err)
	}
	defer eng.Close()

	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		log.Fatalf("opening TUN device: %v", err)
	}
	defer iface.Close()
	log.Infof("TUN device %s up (requested name %s, MTU %d)", iface.Name(), *device, *mtu)

	dialer := newBypassDialer(*wsRelay, *ssCipher, *ssSecret)
	host := newHostSide(eng, iface, dialer, log)

	if err := eng.Start(host.callbacks()); err != nil {
		log.Fatalf("engine.Start: %v", err)
	}
	defer eng.Stop()

	if *rulesFlag != "" {
		rules, err := ruleparser.Parse(*rulesFlag)
		if err != nil {
			log.Fatalf("parsing -rules: %v", err)
		}
		for _, r := range rules {
			id := eng.HostRuleAdd(r.Pattern, r.Action, r.LatencyMs, r.JitterMs)
			log.Infow("installed rule", "id", id, "pattern", r.Pattern, "action", actionName(r.Action))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go tunReadLoop(ctx, iface, eng, log)

	<-ctx.Done()
	log.Info("shutting down")
}

func actionName(a policy.Action) string {
	if a == policy.ActionBlock {
		return "block"
	}
	return "shape"
}

// logger is the subset of *zap.SugaredLogger this binary uses, kept as an
// interface so the harness's own pieces don't need to import zap directly.
type logger interface {
	Info(...interface{})
	Infof(string, ...interface{})
	Infow(string, ...interface{})
	Debugf(string, ...interface{})
	Fatalf(string, ...interface{})
}

// tunReadLoop is the producer thread: it reads frames from the TUN
// device and hands them to the engine's lock-free ingress channel.
func tunReadLoop(ctx context.Context, iface *water.Interface, eng *engine.Engine, log logger) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := iface.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Infof("tun read error: %v", err)
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		family := 4
		if len(frame) > 0 && frame[0]>>4 == 6 {
			family = 6
		}
		if err := eng.HandlePacket(frame, family); err != nil {
			log.Debugf("HandlePacket dropped a frame: %v", err)
		}
	}
}

// bypassDialer opens the real outbound connection for a dial request — a
// host-level socket, potentially outside the tunnel's own route table.
// When wsRelay is empty it dials host:port directly; otherwise it
// tunnels through a websocket relay, optionally layering shadowsocks
// encryption.
type bypassDialer struct {
	wsRelay  string
	ssCipher core.Cipher
}

func newBypassDialer(wsRelay, ssCipherName, ssSecret string) *bypassDialer {
	d := &bypassDialer{wsRelay: wsRelay}
	if wsRelay != "" && ssCipherName != "" {
		ciph, err := core.PickCipher(ssCipherName, nil, ssSecret)
		if err == nil {
			d.ssCipher = ciph
		}
	}
	return d
}

func (d *bypassDialer) dialTCP(ctx context.Context, host string, port uint16) (net.Conn, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if d.wsRelay == "" {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		return dialer.DialContext(ctx, "tcp", target)
	}

	wsc, _, err := websocket.Dial(ctx, d.wsRelay, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket relay: %w", err)
	}
	conn := websocket.NetConn(ctx, wsc, websocket.MessageBinary)
	if d.ssCipher == nil {
		return conn, nil
	}
	return d.ssCipher.StreamConn(conn), nil
}

// hostSide implements the host callback contract against bypassDialer,
// tracking one net.Conn per TCP handle and one connected UDP net.Conn per
// UDP handle. This is intentionally simple: it is the harness's job to
// prove the engine's contract end-to-end, not to be a production proxy.
type hostSide struct {
	eng    *engine.Engine
	iface  *water.Interface
	dialer *bypassDialer
	log    logger

	mu  sync.Mutex
	tcp map[uint64]net.Conn
	udp map[uint64]net.Conn
}

func newHostSide(eng *engine.Engine, iface *water.Interface, dialer *bypassDialer, log logger) *hostSide {
	return &hostSide{
		eng:    eng,
		iface:  iface,
		dialer: dialer,
		log:    log,
		tcp:    make(map[uint64]net.Conn),
		udp:    make(map[uint64]net.Conn),
	}
}

func (h *hostSide) callbacks() engine.Callbacks {
	return engine.Callbacks{
		EmitPackets:    h.emitPackets,
		RequestTCPDial: h.requestTCPDial,
		RequestUDPDial: h.requestUDPDial,
		TCPSend:        h.tcpSend,
		UDPSend:        h.udpSend,
		TCPClose:       h.tcpClose,
		UDPClose:       h.udpClose,
		RecordDNS:      h.recordDNS,
	}
}

// emitPackets writes one poll tick's worth of outbound frames back to the
// TUN device, in order.
func (h *hostSide) emitPackets(frames [][]byte) {
	for _, f := range frames {
		if _, err := h.iface.Write(f); err != nil {
			h.log.Debugf("tun write error: %v", err)
			return
		}
	}
}

func (h *hostSide) requestTCPDial(handle uint64, host string, port uint16) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := h.dialer.dialTCP(ctx, host, port)
		if err != nil {
			_ = h.eng.OnDialResult(handle, false, "dial_failed")
			return
		}
		h.mu.Lock()
		h.tcp[handle] = conn
		h.mu.Unlock()
		if err := h.eng.OnDialResult(handle, true, ""); err != nil {
			conn.Close()
			return
		}
		h.pumpTCP(handle, conn)
	}()
}

func (h *hostSide) requestUDPDial(handle uint64, host string, port uint16) {
	go func() {
		target := net.JoinHostPort(host, strconv.Itoa(int(port)))
		conn, err := net.Dial("udp", target)
		if err != nil {
			_ = h.eng.OnDialResult(handle, false, "dial_failed")
			return
		}
		h.mu.Lock()
		h.udp[handle] = conn
		h.mu.Unlock()
		if err := h.eng.OnDialResult(handle, true, ""); err != nil {
			conn.Close()
			return
		}
		h.pumpUDP(handle, conn)
	}()
}

// pumpTCP forwards server->client bytes into on_tcp_receive until the
// connection errors or closes, then notifies the engine.
func (h *hostSide) pumpTCP(handle uint64, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if rerr := h.eng.OnTCPReceive(handle, append([]byte(nil), buf[:n]...)); rerr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	h.forgetTCP(handle)
	_ = h.eng.OnTCPClose(handle)
}

func (h *hostSide) pumpUDP(handle uint64, conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if rerr := h.eng.OnUDPReceive(handle, append([]byte(nil), buf[:n]...)); rerr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	h.forgetUDP(handle)
	_ = h.eng.OnUDPClose(handle)
}

func (h *hostSide) tcpSend(handle uint64, payload []byte) {
	h.mu.Lock()
	conn := h.tcp[handle]
	h.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		_ = h.eng.OnTCPSendFailed(handle, err)
	}
}

func (h *hostSide) udpSend(handle uint64, payload []byte) {
	h.mu.Lock()
	conn := h.udp[handle]
	h.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		_ = h.eng.OnUDPSendFailed(handle, err)
	}
}

func (h *hostSide) tcpClose(handle uint64, _ string) {
	h.mu.Lock()
	conn := h.tcp[handle]
	delete(h.tcp, handle)
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (h *hostSide) udpClose(handle uint64, _ string) {
	h.mu.Lock()
	conn := h.udp[handle]
	delete(h.udp, handle)
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (h *hostSide) recordDNS(host string, addresses []string, ttlSeconds uint32) {
	h.log.Infow("dns", "host", host, "addresses", addresses, "ttl_s", ttlSeconds)
}

func (h *hostSide) forgetTCP(handle uint64) {
	h.mu.Lock()
	delete(h.tcp, handle)
	h.mu.Unlock()
}

func (h *hostSide) forgetUDP(handle uint64) {
	h.mu.Lock()
	delete(h.udp, handle)
	h.mu.Unlock()
}
