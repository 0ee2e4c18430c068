package sipstack

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/sipmetrics"
)

// UserAgent owns the server-side transport/transaction layers shared by
// every listener this process binds. A UA-level Transport FSM (package
// transportfsm) handles the separate outbound, single-connection leg a
// client-style UA keeps open to its registrar/proxy; this struct is the
// RFC 3261 generic UAC/UAS plumbing underneath both.
type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	tp          *sip.TransportLayer
	tx          *sip.TransactionLayer

	// core runs the inbound sanity-check pipeline (mandatory headers,
	// self-loop, Content-Length) ahead of transaction matching/dispatch.
	core *UACore

	// Metrics is nil unless WithMetrics is passed; every call site treats
	// a nil *sipmetrics.Collector as a no-op.
	Metrics *sipmetrics.Collector
}

// WithMetrics attaches a Prometheus collector. Construct one Collector per
// process with sipmetrics.New and share it across every UserAgent.
func WithMetrics(c *sipmetrics.Collector) UserAgentOption {
	return func(s *UserAgent) error {
		s.Metrics = c
		return nil
	}
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

// WithUserAgentHostname resolves hostname and uses the result as the UA's
// advertised IP, the same DNS-resolve-then-pin approach WithIP uses for a
// literal host:port.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		addr, err := net.ResolveIPAddr("ip", hostname)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUserAgenTLSConfig sets the TLS config used for outbound TLS/WSS
// dialing and inbound TLS listeners opened against this UA's transport
// layer.
func WithUserAgenTLSConfig(c *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = c
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	s.tp = sip.NewTransportLayer(s.dnsResolver, sip.NewParser(), s.tlsConfig)
	s.tx = sip.NewTransactionLayer(s.tp)
	s.tx.SetSelfViaHost(s.host)
	s.core = NewUACore(0)
	return s, nil
}

// Core returns the inbound sanity-check pipeline shared by every Server
// built on this UserAgent, and consulted by every Client built on it to
// record outbound Call-IDs for self-loop detection.
func (ua *UserAgent) Core() *UACore {
	return ua.core
}

// Host returns the advertised host part of this UA's IP, as set by
// WithIP/WithUserAgentHostname or resolved by ResolveSelfIP.
func (ua *UserAgent) Host() string {
	return ua.host
}

// setIP records ip and the advertised host derived from it
func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return err
}
