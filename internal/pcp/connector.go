// Package pcp implements the PCP connector: mutual-TLS WebSocket session to
// one of several brokers, the v1/v2 association handshake, keepalive and
// reconnect policy, and framed send/receive dispatch.
package pcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/puppetlabs/pxp-agent-sub000/internal/pcpwire"
	"github.com/puppetlabs/pxp-agent-sub000/internal/pxperr"
)

// Dialect selects the v1 or v2 wire behavior.
type Dialect int

const (
	V1 Dialect = 1
	V2 Dialect = 2
)

// Config controls one Connector.
type Config struct {
	BrokerWSURIs []string
	ClientType   string
	Identity     string // this agent's identity, advertised at association

	CAFile  string
	CrtFile string
	KeyFile string
	CRLFile string

	Dialect Dialect

	WSConnectionTimeout      time.Duration
	AssociationTimeout       time.Duration
	AssociationRequestTTL    time.Duration
	MessageTTL               time.Duration
	AllowedKeepaliveTimeouts int
	PingInterval             time.Duration
	MaxMessageSize           int64

	// SendRate caps outbound messages per second, guarding against a
	// runaway burst of non-blocking finalize/status traffic overwhelming
	// the broker's connection. Zero means unlimited.
	SendRate float64

	Logger logrus.FieldLogger
}

// associationBaseDelay is the base (not doubled) random reconnect delay on
// a transient association error.
const associationBaseDelay = 5 * time.Second

// Handler processes one parsed inbound message.
type Handler func(msg *pcpwire.Message)

// Connector is the PcpConnector.
type Connector struct {
	cfg Config

	connMu    sync.Mutex
	conn      *websocket.Conn
	brokers   []string // rotating broker list for failover
	tlsConfig *tls.Config

	handlersMu sync.RWMutex
	handlers   map[pcpwire.MessageType]Handler

	sendCh  chan pcpwire.Message
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pongMu      sync.Mutex
	pongPending bool
	missedPongs int
}

// New builds a Connector from cfg. Call Connect to start the connection
// loop; it runs until the context passed to Connect is canceled.
func New(cfg Config) *Connector {
	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), int(cfg.SendRate)+1)
	}
	return &Connector{
		cfg:      cfg,
		brokers:  append([]string{}, cfg.BrokerWSURIs...),
		handlers: make(map[pcpwire.MessageType]Handler),
		sendCh:   make(chan pcpwire.Message, 256),
		limiter:  limiter,
	}
}

// RegisterMessageCallback wires handler to be invoked for inbound messages
// of the given schema.
func (c *Connector) RegisterMessageCallback(schema pcpwire.MessageType, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[schema] = handler
}

// Connect starts the connection loop in the background. Configuration
// errors (bad TLS material, unsupported PCP version) are returned
// immediately as fatal; transient connection failures are retried forever
// inside the loop and never returned here.
func (c *Connector) Connect(ctx context.Context) error {
	if c.cfg.Dialect != V1 && c.cfg.Dialect != V2 {
		return pxperr.New(pxperr.KindConnectorFatal, "unsupported pcp_version %d", c.cfg.Dialect)
	}
	tlsConfig, err := c.buildTLSConfig()
	if err != nil {
		return pxperr.Wrap(pxperr.KindConnectorFatal, err, "failed to build TLS configuration")
	}
	c.tlsConfig = tlsConfig

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.connectionLoop()
	return nil
}

func (c *Connector) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.cfg.CrtFile, c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caData, err := os.ReadFile(c.cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", c.cfg.CAFile)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}

	if c.cfg.CRLFile != "" {
		revoked, err := loadCRL(c.cfg.CRLFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CRL: %w", err)
		}
		tlsConfig.VerifyPeerCertificate = verifyNotRevoked(revoked)
	}

	return tlsConfig, nil
}

// connectionLoop reconnects indefinitely on transient association errors,
// waiting a jittered delay in [associationBaseDelay, 2*associationBaseDelay]
// before each retry rather than growing the window, matching the reference
// connector's retry-forever policy for both the initial connect and
// post-connect failures.
func (c *Connector) connectionLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.cfg.Logger.Warnf("pcp: association failed, retrying: %v", err)
			jittered := associationBaseDelay + time.Duration(rand.Int63n(int64(associationBaseDelay)))
			select {
			case <-time.After(jittered):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		c.runConnection()
	}
}

func (c *Connector) connect() error {
	broker := c.brokers[0]
	c.brokers = append(c.brokers[1:], c.brokers[0])

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.WSConnectionTimeout,
		TLSClientConfig:  c.tlsConfig,
	}
	header := http.Header{}
	header.Set("X-Client-Type", c.cfg.ClientType)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WSConnectionTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, broker, header)
	if err != nil {
		return fmt.Errorf("failed to dial broker %s: %w", broker, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		c.pongMu.Lock()
		c.pongPending = false
		c.pongMu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(c.keepaliveWindow()))
	})
	conn.SetReadDeadline(time.Now().Add(c.keepaliveWindow()))

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.pongMu.Lock()
	c.pongPending = false
	c.pongMu.Unlock()
	c.missedPongs = 0

	if err := c.associate(); err != nil {
		conn.Close()
		return fmt.Errorf("association failed: %w", err)
	}

	c.cfg.Logger.Infof("pcp: connected and associated with %s (dialect v%d)", broker, c.cfg.Dialect)
	return nil
}

// associate performs the v1 handshake (explicit association request/ack) or
// the v2 advertisement (identity carried in the dial headers only). Either
// way it's a thin seam: the interesting state lives in Config.Identity.
func (c *Connector) associate() error {
	if c.cfg.Dialect == V1 {
		env := pcpwire.NewEnvelope(c.cfg.Identity, nil, "http://puppetlabs.com/associate_request", int(c.cfg.AssociationRequestTTL/time.Second))
		return c.writeEnvelope(env, json.RawMessage(`{}`))
	}
	// v2 carries identity in the connection headers; nothing further to
	// send before the connection is considered live.
	return nil
}

func (c *Connector) writeEnvelope(env pcpwire.Envelope, data json.RawMessage) error {
	chunks, err := pcpwire.MarshalChunks(pcpwire.Message{Envelope: env, Data: data})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(chunks)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// runConnection starts the sender and pinger goroutines and blocks on the
// read loop; on return (any failure) it tears both down and closes the
// connection.
func (c *Connector) runConnection() {
	stop := make(chan struct{})
	var inner sync.WaitGroup

	inner.Add(2)
	go func() { defer inner.Done(); c.senderLoop(stop) }()
	go func() { defer inner.Done(); c.pingLoop(stop) }()

	c.readLoop()

	close(stop)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	inner.Wait()
}

func (c *Connector) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.cfg.Logger.Warnf("pcp: read error, reconnecting: %v", err)
			return
		}

		var chunks []pcpwire.Chunk
		if err := json.Unmarshal(data, &chunks); err != nil {
			c.cfg.Logger.Warnf("pcp: malformed frame, dropping: %v", err)
			continue
		}
		msg, err := pcpwire.ParseChunks(chunks)
		if err != nil {
			c.cfg.Logger.Warnf("pcp: %v; sending pcp_error", err)
			if msg != nil && msg.Envelope.Sender != "" {
				c.SendPCPError(msg.Envelope.Sender, msg.Envelope.ID, err.Error())
			}
			continue
		}

		c.handlersMu.RLock()
		handler, ok := c.handlers[msg.Envelope.Schema]
		c.handlersMu.RUnlock()
		if ok {
			handler(msg)
		}
	}
}

func (c *Connector) senderLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-c.sendCh:
			if c.limiter != nil {
				if err := c.limiter.Wait(c.ctx); err != nil {
					return
				}
			}
			if err := c.writeEnvelope(msg.Envelope, msg.Data); err != nil {
				c.cfg.Logger.Warnf("pcp: send failed, dropping message: %v", err)
			}
		}
	}
}

// keepaliveWindow is how long the connection may go without a pong before
// the read deadline trips, sized so allowed_keepalive_timeouts worth of
// missed pings still fit inside it (§203: up to allowed_keepalive_timeouts+1
// missed pongs close the session).
func (c *Connector) keepaliveWindow() time.Duration {
	return c.cfg.PingInterval * time.Duration(c.cfg.AllowedKeepaliveTimeouts+2)
}

// pingLoop sends a ping on every tick and counts a miss when the pong
// handler never cleared pongPending since the previous tick, rather than
// when the ping write itself fails: a broker that accepts the write but
// never replies is exactly what this is meant to catch.
func (c *Connector) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}

			c.pongMu.Lock()
			missed := c.pongPending
			c.pongPending = true
			c.pongMu.Unlock()

			if missed {
				c.missedPongs++
				if c.missedPongs > c.cfg.AllowedKeepaliveTimeouts {
					c.cfg.Logger.Warn("pcp: too many missed pongs, closing session")
					conn.Close()
					return
				}
			} else {
				c.missedPongs = 0
			}

			conn.SetReadDeadline(time.Now().Add(c.keepaliveWindow()))
			deadline := time.Now().Add(c.cfg.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.cfg.Logger.Warnf("pcp: ping write failed: %v", err)
			}
		}
	}
}

// Send enqueues msg for delivery on the sender goroutine. It never blocks
// the caller: a full queue drops the message and logs a warning, matching
// the documented best-effort send semantics (the caller's higher-level
// logic has either already persisted state or cannot usefully retry).
func (c *Connector) Send(msg pcpwire.Message) {
	select {
	case c.sendCh <- msg:
	default:
		c.cfg.Logger.Warn("pcp: send queue full, dropping message")
	}
}

// Close stops the connection loop and waits for it to exit.
func (c *Connector) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}
