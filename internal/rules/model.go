// Package rules defines the routing rule model, the owned in-memory
// rule store, and rule validation.
//
// A Rule maps a source host and path to one backend target (a single
// container and port) or to a weighted set of targets governed by a
// load-balancing policy. Rules carry optional TLS material, header
// mutations, health-check and advanced proxy tuning, plus a raw
// override block that is appended to the generated engine
// configuration verbatim.
package rules

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
)

// Protocol identifies the traffic protocol a rule routes.
type Protocol string

// Supported rule protocols.
const (
	ProtocolHTTP  Protocol = "HTTP"
	ProtocolHTTPS Protocol = "HTTPS"
	ProtocolTCP   Protocol = "TCP"
	ProtocolUDP   Protocol = "UDP"
)

// ValidProtocol returns true if p is a known protocol.
func ValidProtocol(p Protocol) bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolTCP, ProtocolUDP:
		return true
	default:
		return false
	}
}

// IsStream returns true for protocols proxied at the transport layer.
func (p Protocol) IsStream() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Policy identifies a load-balancing policy.
type Policy string

// Supported load-balancing policies.
const (
	PolicyRoundRobin Policy = "ROUND_ROBIN"
	PolicyLeastConn  Policy = "LEAST_CONN"
	PolicyIPHash     Policy = "IP_HASH"
	PolicyRandom     Policy = "RANDOM"
)

// ValidPolicy returns true if p is a known policy.
func ValidPolicy(p Policy) bool {
	switch p {
	case PolicyRoundRobin, PolicyLeastConn, PolicyIPHash, PolicyRandom:
		return true
	default:
		return false
	}
}

// Target is a single backend endpoint a rule may route to.
type Target struct {
	Container string `json:"container" yaml:"container"`
	Port      int    `json:"port" yaml:"port"`
	Weight    int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Key returns the stable identity of the target within a rule,
// container:port. Sticky-session cookies and health state are keyed
// by this value.
func (t Target) Key() string {
	return net.JoinHostPort(t.Container, strconv.Itoa(t.Port))
}

// EffectiveWeight returns the target weight, defaulting to one.
func (t Target) EffectiveWeight() int {
	if t.Weight < 1 {
		return 1
	}
	return t.Weight
}

// LoadBalancingSpec configures the target set and selection policy of
// a rule that balances across more than one backend.
type LoadBalancingSpec struct {
	Policy       Policy          `json:"policy" yaml:"policy"`
	Targets      []Target        `json:"targets" yaml:"targets"`
	StickyCookie string          `json:"stickyCookie,omitempty" yaml:"stickyCookie,omitempty"`
	CookieTTL    config.Duration `json:"cookieTTL,omitempty" yaml:"cookieTTL,omitempty"`
}

// Sticky returns true when sticky sessions are enabled.
func (s *LoadBalancingSpec) Sticky() bool {
	return s != nil && s.StickyCookie != ""
}

// HealthCheckSpec configures active health probing of a rule's
// targets. The probe scheduler evaluates it every Interval while the
// rule is enabled and discards it when the rule is deleted or
// disabled.
type HealthCheckSpec struct {
	Path         string          `json:"path" yaml:"path"`
	Interval     config.Duration `json:"interval" yaml:"interval"`
	Timeout      config.Duration `json:"timeout" yaml:"timeout"`
	Retries      int             `json:"retries" yaml:"retries"`
	AcceptStatus string          `json:"acceptStatus,omitempty" yaml:"acceptStatus,omitempty"`
}

// TLSSpec configures TLS termination for a rule. Exactly one of
// CertName (resolved through the certificate store) or the
// CertFile/KeyFile pair must be set when Enabled.
type TLSSpec struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	CertName     string `json:"certName,omitempty" yaml:"certName,omitempty"`
	CertFile     string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile      string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	RedirectHTTP bool   `json:"redirectHTTP,omitempty" yaml:"redirectHTTP,omitempty"`
}

// HeaderSpec configures header mutation on proxied traffic.
type HeaderSpec struct {
	Request  map[string]string `json:"request,omitempty" yaml:"request,omitempty"`
	Response map[string]string `json:"response,omitempty" yaml:"response,omitempty"`
	Remove   []string          `json:"remove,omitempty" yaml:"remove,omitempty"`
}

// CORSSpec configures cross-origin resource sharing directives.
type CORSSpec struct {
	AllowOrigins     []string `json:"allowOrigins,omitempty" yaml:"allowOrigins,omitempty"`
	AllowMethods     []string `json:"allowMethods,omitempty" yaml:"allowMethods,omitempty"`
	AllowHeaders     []string `json:"allowHeaders,omitempty" yaml:"allowHeaders,omitempty"`
	AllowCredentials bool     `json:"allowCredentials,omitempty" yaml:"allowCredentials,omitempty"`
	MaxAge           int      `json:"maxAge,omitempty" yaml:"maxAge,omitempty"`
}

// RateLimitSpec configures per-rule request rate limiting.
type RateLimitSpec struct {
	RequestsPerSecond int `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Burst             int `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// WAFMode selects how the web application firewall treats matches.
type WAFMode string

// WAF modes.
const (
	WAFModeOff    WAFMode = "OFF"
	WAFModeDetect WAFMode = "DETECT"
	WAFModeBlock  WAFMode = "BLOCK"
)

// ValidWAFMode returns true if m is a known WAF mode.
func ValidWAFMode(m WAFMode) bool {
	switch m {
	case WAFModeOff, WAFModeDetect, WAFModeBlock:
		return true
	default:
		return false
	}
}

// WAFSpec configures the web application firewall for a rule.
type WAFSpec struct {
	Mode     WAFMode  `json:"mode" yaml:"mode"`
	Rulesets []string `json:"rulesets,omitempty" yaml:"rulesets,omitempty"`
}

// RewriteRule is a single URL rewrite directive.
type RewriteRule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement" yaml:"replacement"`
	Flag        string `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// AdvancedSpec carries per-rule proxy tuning: timeouts, body-size
// limit, caching, CORS, rate limiting, security headers, WAF, IP
// access control and URL rewrites.
type AdvancedSpec struct {
	ProxyConnectTimeout config.Duration `json:"proxyConnectTimeout,omitempty" yaml:"proxyConnectTimeout,omitempty"`
	ProxyReadTimeout    config.Duration `json:"proxyReadTimeout,omitempty" yaml:"proxyReadTimeout,omitempty"`
	ProxySendTimeout    config.Duration `json:"proxySendTimeout,omitempty" yaml:"proxySendTimeout,omitempty"`
	MaxBodySize         string          `json:"maxBodySize,omitempty" yaml:"maxBodySize,omitempty"`
	CacheEnabled        bool            `json:"cacheEnabled,omitempty" yaml:"cacheEnabled,omitempty"`
	CacheTTL            config.Duration `json:"cacheTTL,omitempty" yaml:"cacheTTL,omitempty"`
	CORS                *CORSSpec       `json:"cors,omitempty" yaml:"cors,omitempty"`
	RateLimit           *RateLimitSpec  `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	SecurityHeaders     bool            `json:"securityHeaders,omitempty" yaml:"securityHeaders,omitempty"`
	WAF                 *WAFSpec        `json:"waf,omitempty" yaml:"waf,omitempty"`
	AllowIPs            []string        `json:"allowIPs,omitempty" yaml:"allowIPs,omitempty"`
	DenyIPs             []string        `json:"denyIPs,omitempty" yaml:"denyIPs,omitempty"`
	Rewrites            []RewriteRule   `json:"rewrites,omitempty" yaml:"rewrites,omitempty"`
	WebsocketUpgrade    bool            `json:"websocketUpgrade,omitempty" yaml:"websocketUpgrade,omitempty"`
	BufferingOff        bool            `json:"bufferingOff,omitempty" yaml:"bufferingOff,omitempty"`
}

// Rule is a declarative routing specification from a source host and
// path to one or more backend targets.
type Rule struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	SourceHost string   `json:"sourceHost" yaml:"sourceHost"`
	SourcePath string   `json:"sourcePath" yaml:"sourcePath"`
	// SourcePort is the inbound listen port for TCP/UDP rules, which
	// cannot be routed by host and path.
	SourcePort int      `json:"sourcePort,omitempty" yaml:"sourcePort,omitempty"`
	Protocol   Protocol `json:"protocol" yaml:"protocol"`

	TargetContainer string `json:"targetContainer,omitempty" yaml:"targetContainer,omitempty"`
	TargetPort      int    `json:"targetPort,omitempty" yaml:"targetPort,omitempty"`

	LoadBalancing *LoadBalancingSpec `json:"loadBalancing,omitempty" yaml:"loadBalancing,omitempty"`
	TLS           *TLSSpec           `json:"tls,omitempty" yaml:"tls,omitempty"`
	Headers       *HeaderSpec        `json:"headers,omitempty" yaml:"headers,omitempty"`
	HealthCheck   *HealthCheckSpec   `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
	Advanced      *AdvancedSpec      `json:"advanced,omitempty" yaml:"advanced,omitempty"`

	// CustomConfig is raw engine configuration appended verbatim
	// after all generated directives for the rule. It is never
	// parsed or validated and always wins on conflict.
	CustomConfig string `json:"customConfig,omitempty" yaml:"customConfig,omitempty"`

	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// Balanced returns true when the rule routes across a load-balancing
// target set rather than a single target.
func (r *Rule) Balanced() bool {
	return r.LoadBalancing != nil && len(r.LoadBalancing.Targets) > 0
}

// Targets returns the rule's backend targets. Single-target rules
// yield one implicit target with weight one.
func (r *Rule) Targets() []Target {
	if r.Balanced() {
		return r.LoadBalancing.Targets
	}
	if r.TargetContainer == "" {
		return nil
	}
	return []Target{{Container: r.TargetContainer, Port: r.TargetPort, Weight: 1}}
}

// BalancingPolicy returns the effective load-balancing policy,
// defaulting to round robin.
func (r *Rule) BalancingPolicy() Policy {
	if r.LoadBalancing == nil || r.LoadBalancing.Policy == "" {
		return PolicyRoundRobin
	}
	return r.LoadBalancing.Policy
}

// RouteKey returns the (host, path) pair the rule matches on. Two
// enabled rules must never share a route key.
func (r *Rule) RouteKey() string {
	return strings.ToLower(r.SourceHost) + "|" + r.SourcePath
}

// String implements fmt.Stringer for log output.
func (r *Rule) String() string {
	return fmt.Sprintf("%s (%s%s -> %d targets)", r.Name, r.SourceHost, r.SourcePath, len(r.Targets()))
}

// Clone returns a deep copy of the rule so callers can mutate the
// copy without aliasing store-owned state.
func (r *Rule) Clone() *Rule {
	c := *r
	if r.LoadBalancing != nil {
		lb := *r.LoadBalancing
		lb.Targets = append([]Target(nil), r.LoadBalancing.Targets...)
		c.LoadBalancing = &lb
	}
	if r.TLS != nil {
		tls := *r.TLS
		c.TLS = &tls
	}
	if r.Headers != nil {
		h := HeaderSpec{
			Request:  cloneStringMap(r.Headers.Request),
			Response: cloneStringMap(r.Headers.Response),
			Remove:   append([]string(nil), r.Headers.Remove...),
		}
		c.Headers = &h
	}
	if r.HealthCheck != nil {
		hc := *r.HealthCheck
		c.HealthCheck = &hc
	}
	if r.Advanced != nil {
		a := *r.Advanced
		if r.Advanced.CORS != nil {
			cors := CORSSpec{
				AllowOrigins:     append([]string(nil), r.Advanced.CORS.AllowOrigins...),
				AllowMethods:     append([]string(nil), r.Advanced.CORS.AllowMethods...),
				AllowHeaders:     append([]string(nil), r.Advanced.CORS.AllowHeaders...),
				AllowCredentials: r.Advanced.CORS.AllowCredentials,
				MaxAge:           r.Advanced.CORS.MaxAge,
			}
			a.CORS = &cors
		}
		if r.Advanced.RateLimit != nil {
			rl := *r.Advanced.RateLimit
			a.RateLimit = &rl
		}
		if r.Advanced.WAF != nil {
			waf := WAFSpec{Mode: r.Advanced.WAF.Mode, Rulesets: append([]string(nil), r.Advanced.WAF.Rulesets...)}
			a.WAF = &waf
		}
		a.AllowIPs = append([]string(nil), r.Advanced.AllowIPs...)
		a.DenyIPs = append([]string(nil), r.Advanced.DenyIPs...)
		a.Rewrites = append([]RewriteRule(nil), r.Advanced.Rewrites...)
		c.Advanced = &a
	}
	return &c
}

// cloneStringMap copies a string map, preserving nil.
func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
