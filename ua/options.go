package ua

import (
	"io"
	"time"

	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/transportfsm"
	"github.com/sipcore/sipstack/tu"
)

// Config is built up by the Option functions passed to New. Every field
// mirrors one named option from the configuration surface this UserAgent
// exposes; zero values fall back to the defaults documented on each With*
// function.
type Config struct {
	URI                    sip.Uri
	DisplayName            string
	AuthorizationUsername  string
	AuthorizationPassword  string
	AutoStart              bool
	AutoStop               bool
	Delegate               Delegate
	ForceRport             bool
	HackViaTcp             bool
	HackIPInContact        bool
	HackWssInTransport     bool
	HackAllowUnregisteredOptionTags bool
	LogBuiltinEnabled      bool
	LogConnector           io.Writer
	LogLevel               string
	NoAnswerTimeout        time.Duration
	PreloadedRouteSet      []sip.Uri
	ReconnectionAttempts   int
	ReconnectionDelay      time.Duration
	SessionDescriptionHandlerFactory tu.SessionDescriptionHandlerFactory
	SipExtension100rel     bool
	SipExtensionReplaces   bool
	SipExtensionExtraSupported []string
	TransportConstructor   func() (transportfsm.Connection, error)
	TransportOptions       transportfsm.Options
	UserAgentString        string
	ViaHost                string
}

// Option configures a UserAgent at construction. Each one sets exactly the
// Config field its name names.
type Option func(*Config)

// WithURI sets the address-of-record this UserAgent registers and places
// calls as.
func WithURI(uri sip.Uri) Option {
	return func(c *Config) { c.URI = uri }
}

// WithDisplayName sets the display name carried on outbound From/Contact.
func WithDisplayName(name string) Option {
	return func(c *Config) { c.DisplayName = name }
}

// WithAuthorizationUsername sets the digest username used when a REGISTER
// is challenged. UserAgent.Register applies it when the RegistererOptions
// carry no username; INVITEs sent through UserAgent.Invite do not use it.
func WithAuthorizationUsername(username string) Option {
	return func(c *Config) { c.AuthorizationUsername = username }
}

// WithAuthorizationPassword sets the digest password.
func WithAuthorizationPassword(password string) Option {
	return func(c *Config) { c.AuthorizationPassword = password }
}

// WithAutoStart makes New call Start immediately after construction.
func WithAutoStart(v bool) Option {
	return func(c *Config) { c.AutoStart = v }
}

// WithAutoStop registers the returned UserAgent's Stop as a process exit
// hook. Left to the caller to act on; this UserAgent only records the flag.
func WithAutoStop(v bool) Option {
	return func(c *Config) { c.AutoStop = v }
}

// WithDelegate sets the callback target for inbound TU activity.
func WithDelegate(d Delegate) Option {
	return func(c *Config) { c.Delegate = d }
}

// WithForceRport forces rport on every outbound Via, for UAs that are
// always behind NAT.
func WithForceRport(v bool) Option {
	return func(c *Config) { c.ForceRport = v }
}

// WithHackViaTcp advertises TCP on the Via header even when the underlying
// transport is something else entirely (e.g. WS), for registrars that
// refuse to route back over non-TCP/UDP transports. Only recorded in
// Config; Start does not apply it.
func WithHackViaTcp(v bool) Option {
	return func(c *Config) { c.HackViaTcp = v }
}

// WithHackIPInContact forces the Contact URI host to this UA's resolved IP
// rather than a configured hostname, working around registrars that route
// back using Contact literally. Only recorded in Config; Start does not
// apply it.
func WithHackIPInContact(v bool) Option {
	return func(c *Config) { c.HackIPInContact = v }
}

// WithHackWssInTransport advertises "wss" as the Via/Contact transport
// param for a WebSocket connection that is TLS-secured at the socket layer
// but whose SIP messages this stack still frames as plain WS. Only
// recorded in Config; Start does not apply it.
func WithHackWssInTransport(v bool) Option {
	return func(c *Config) { c.HackWssInTransport = v }
}

// WithHackAllowUnregisteredOptionTags disables the strict Supported/
// Require option-tag vocabulary check, for interop with servers that send
// vendor-specific tags this stack doesn't know. Only recorded in Config;
// Start does not apply it.
func WithHackAllowUnregisteredOptionTags(v bool) Option {
	return func(c *Config) { c.HackAllowUnregisteredOptionTags = v }
}

// WithLogBuiltinEnabled records whether this UserAgent's own structured
// logging is wanted. Only recorded in Config; Start does not apply it.
func WithLogBuiltinEnabled(v bool) Option {
	return func(c *Config) { c.LogBuiltinEnabled = v }
}

// WithLogConnector records a writer for this UserAgent's logging. Only
// recorded in Config; Start does not apply it.
func WithLogConnector(w io.Writer) Option {
	return func(c *Config) { c.LogConnector = w }
}

// WithLogLevel records a minimum log level ("debug", "info", "warn",
// "error"). Only recorded in Config; Start does not apply it.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

// WithNoAnswerTimeout records how long an Inviter may wait for a final
// response. Only recorded in Config; UserAgent.Invite does not apply it,
// and an INVITE is bounded only by the caller's context.
func WithNoAnswerTimeout(d time.Duration) Option {
	return func(c *Config) { c.NoAnswerTimeout = d }
}

// WithPreloadedRouteSet records a static outbound proxy route set. Only
// recorded in Config; no Route header is added to outbound requests from it.
func WithPreloadedRouteSet(route []sip.Uri) Option {
	return func(c *Config) { c.PreloadedRouteSet = route }
}

// WithReconnectionAttempts caps consecutive failed reconnect attempts
// before the transport gives up (0 = retry forever).
func WithReconnectionAttempts(n int) Option {
	return func(c *Config) { c.ReconnectionAttempts = n }
}

// WithReconnectionDelay sets the initial reconnect backoff.
func WithReconnectionDelay(d time.Duration) Option {
	return func(c *Config) { c.ReconnectionDelay = d }
}

// WithSessionDescriptionHandlerFactory sets the factory consulted for every
// new Session's SessionDescriptionHandler.
func WithSessionDescriptionHandlerFactory(f tu.SessionDescriptionHandlerFactory) Option {
	return func(c *Config) { c.SessionDescriptionHandlerFactory = f }
}

// WithSipExtension100rel records support for RFC 3262 reliable
// provisional responses (Supported: 100rel). Only recorded in Config; no
// Supported header is added from it.
func WithSipExtension100rel(v bool) Option {
	return func(c *Config) { c.SipExtension100rel = v }
}

// WithSipExtensionReplaces records support for RFC 3891 Replaces
// (Supported: replaces). Only recorded in Config; no Supported header is
// added from it, and inbound Replaces matching runs regardless.
func WithSipExtensionReplaces(v bool) Option {
	return func(c *Config) { c.SipExtensionReplaces = v }
}

// WithSipExtensionExtraSupported records extra option tags for the
// Supported header. Only recorded in Config; no Supported header is added
// from it.
func WithSipExtensionExtraSupported(tags []string) Option {
	return func(c *Config) { c.SipExtensionExtraSupported = tags }
}

// WithTransportConstructor sets the factory used to build the single
// outbound connection transportfsm drives, when a client-style reconnecting
// leg is wanted (see Start).
func WithTransportConstructor(f func() (transportfsm.Connection, error)) Option {
	return func(c *Config) { c.TransportConstructor = f }
}

// WithTransportOptions sets the transportfsm reconnect/keep-alive options
// directly, for callers that want more than ReconnectionAttempts/Delay.
func WithTransportOptions(o transportfsm.Options) Option {
	return func(c *Config) { c.TransportOptions = o }
}

// WithUserAgentString sets the User-Agent header value sent on every
// outbound request.
func WithUserAgentString(s string) Option {
	return func(c *Config) { c.UserAgentString = s }
}

// WithViaHost overrides the host advertised in Via/Contact, instead of the
// resolved local IP.
func WithViaHost(host string) Option {
	return func(c *Config) { c.ViaHost = host }
}
