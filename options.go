package mqttcore

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/arenmoroz/mqttcore/internal/transport"
)

// Option configures a Connection at NewConnection time.
type Option func(*Connection)

// WithAddr sets the broker host and port dialed by Connect. Port 0
// means the transport's default (1883, or 8883 under TLS).
func WithAddr(host string, port int) Option {
	return func(c *Connection) {
		c.cfg.Host = host
		c.cfg.Port = port
	}
}

// WithClientID sets the MQTT client identifier. If unset, NewConnection
// generates one.
func WithClientID(id string) Option {
	return func(c *Connection) { c.cfg.ClientID = id }
}

// WithCredentials sets the username/password carried in CONNECT.
func WithCredentials(username, password string) Option {
	return func(c *Connection) {
		c.cfg.Username = username
		c.cfg.Password = password
		c.cfg.HasPassword = true
	}
}

// WithKeepAlive sets the keep-alive interval. A non-zero keep-alive
// must exceed the ping timeout; Connect checks this.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Connection) { c.cfg.KeepAlive = d }
}

// WithCleanSession sets the CONNECT clean-session flag.
func WithCleanSession(clean bool) Option {
	return func(c *Connection) { c.cfg.CleanSession = clean }
}

// WithOperationTimeout bounds how long an in-flight SUBSCRIBE,
// UNSUBSCRIBE, or QoS>=1 PUBLISH waits for its ack before completing
// with Timeout. Zero (the default) means no timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Connection) { c.cfg.OperationTimeout = d }
}

// WithPingTimeout bounds how long a PINGREQ or the initial CONNECT
// waits for its response before the channel is shut down.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Connection) { c.cfg.PingTimeout = d }
}

// WithTLS upgrades the TCP dial to TLS using cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Connection) { c.cfg.TLS = cfg }
}

// WithDialer overrides the default TCP dialer.
func WithDialer(d transport.ContextDialer) Option {
	return func(c *Connection) { c.cfg.Dialer = d }
}

// WithWebsockets switches the transport to a WebSocket tunnel to url,
// optionally applying transformer to outbound frames and validator to
// inbound ones.
func WithWebsockets(url string, header http.Header, transformer transport.MessageTransformer, validator transport.MessageValidator) Option {
	return func(c *Connection) {
		c.cfg.WebSocket = &wsOptions{
			URL:         url,
			Header:      header,
			Transformer: transformer,
			Validator:   validator,
		}
	}
}

// WithHTTPProxy routes the WebSocket dial through an HTTP proxy.
func WithHTTPProxy(opts *transport.ProxyOptions) Option {
	return func(c *Connection) { c.cfg.Proxy = opts }
}

// WithWill sets the message the broker publishes on the client's
// behalf if it disconnects ungracefully.
func WithWill(topic string, qos byte, retain bool, payload []byte) Option {
	return func(c *Connection) {
		c.cfg.Will = &Will{Topic: topic, QoS: qos, Retain: retain, Payload: payload}
	}
}

// WithInterruptionHandlers registers the callbacks fired when the
// channel is unexpectedly lost (onInterrupted) and when a reconnect
// restores it (onResumed).
func WithInterruptionHandlers(onInterrupted InterruptedFunc, onResumed ResumedFunc) Option {
	return func(c *Connection) {
		c.cfg.OnInterrupted = onInterrupted
		c.cfg.OnResumed = onResumed
	}
}

// WithAnyPublishHandler registers a connection-wide handler invoked
// for inbound PUBLISH packets matching no subscription.
func WithAnyPublishHandler(h PublishHandler) Option {
	return func(c *Connection) { c.cfg.OnAnyPublish = h }
}

// WithReconnectBackoff sets the exponential-backoff bounds used by the
// reconnect scheduler.
func WithReconnectBackoff(minSec, maxSec int) Option {
	return func(c *Connection) {
		c.cfg.ReconnectMinSec = minSec
		c.cfg.ReconnectMaxSec = maxSec
	}
}

// WithLogger overrides the default discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.cfg.Logger = l }
}

// WithMaxIncomingPacket bounds the Remaining Length this connection
// will accept from the broker before treating it as a protocol
// violation.
func WithMaxIncomingPacket(n int) Option {
	return func(c *Connection) { c.cfg.MaxIncomingPacket = n }
}

func defaultConfig() config {
	return config{
		Port:             0,
		CleanSession:     true,
		KeepAlive:        1200 * time.Second,
		PingTimeout:      3 * time.Second,
		ReconnectMinSec:  1,
		ReconnectMaxSec:  128,
		Logger:           slog.New(slog.DiscardHandler),
	}
}

// checkConfigMutable refuses Config-region mutation outside the states
// {Disconnected, Connected}, per spec §4.1.
func (c *Connection) checkConfigMutable() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Disconnected && state != Connected {
		return newErr(KindInvalidState, "configuration cannot change while "+state.String())
	}
	return nil
}

// SetWill updates the will message. Refused outside {Disconnected,
// Connected}.
func (c *Connection) SetWill(topic string, qos byte, retain bool, payload []byte) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if err := c.checkConfigMutable(); err != nil {
		return err
	}
	c.cfgMu.Lock()
	c.cfg.Will = &Will{Topic: topic, QoS: qos, Retain: retain, Payload: payload}
	c.cfgMu.Unlock()
	return nil
}

// SetLogin updates the CONNECT credentials. Refused outside
// {Disconnected, Connected}.
func (c *Connection) SetLogin(username string, password string, hasPassword bool) error {
	if err := c.checkConfigMutable(); err != nil {
		return err
	}
	c.cfgMu.Lock()
	c.cfg.Username = username
	c.cfg.Password = password
	c.cfg.HasPassword = hasPassword
	c.cfgMu.Unlock()
	return nil
}

// SetReconnectTimeout updates the backoff bounds. Refused outside
// {Disconnected, Connected}.
func (c *Connection) SetReconnectTimeout(minSec, maxSec int) error {
	if err := c.checkConfigMutable(); err != nil {
		return err
	}
	c.cfgMu.Lock()
	c.cfg.ReconnectMinSec = minSec
	c.cfg.ReconnectMaxSec = maxSec
	c.cfgMu.Unlock()
	return nil
}

// SetInterruptionHandlers updates the interruption/resumption
// callbacks. Refused outside {Disconnected, Connected}.
func (c *Connection) SetInterruptionHandlers(onInterrupted InterruptedFunc, onResumed ResumedFunc) error {
	if err := c.checkConfigMutable(); err != nil {
		return err
	}
	c.cfgMu.Lock()
	c.cfg.OnInterrupted = onInterrupted
	c.cfg.OnResumed = onResumed
	c.cfgMu.Unlock()
	return nil
}

// SetOnAnyPublish registers the connection-wide default publish
// handler. Refused outside {Disconnected, Connected}, and additionally
// refused while Connected (the handler must be stable before inbound
// PUBLISH dispatch can race against it).
func (c *Connection) SetOnAnyPublish(h PublishHandler) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == Connected {
		return newErr(KindInvalidState, "cannot set the any-publish handler while connected")
	}
	if state != Disconnected {
		return newErr(KindInvalidState, "configuration cannot change while "+state.String())
	}
	c.cfgMu.Lock()
	c.cfg.OnAnyPublish = h
	c.cfgMu.Unlock()
	return nil
}
