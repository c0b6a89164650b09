package rules

import (
	"fmt"
	"net"
	"strings"

	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// ValidationResult is the outcome of validating a single rule.
// Valid is true exactly when Issues is empty.
type ValidationResult struct {
	Valid  bool
	Issues []string
}

// Validate checks a rule against the full rule contract and reports
// every problem found, not just the first. It is pure: neither the
// rule nor the existing set is mutated.
//
// Referencing a container that does not currently resolve is NOT a
// validation issue; container resolution is a runtime concern.
func Validate(rule *Rule, existing []*Rule) ValidationResult {
	v := ruleValidator{}

	if rule == nil {
		v.add("rule is nil")
		return v.result()
	}

	v.checkIdentity(rule)
	v.checkSource(rule)
	v.checkTargets(rule)
	v.checkTLS(rule.TLS)
	v.checkHeaders(rule.Headers)
	v.checkHealthCheck(rule.HealthCheck)
	v.checkAdvanced(rule.Advanced)
	v.checkCollisions(rule, existing)

	return v.result()
}

type ruleValidator struct {
	issues []string
}

func (v *ruleValidator) add(format string, args ...interface{}) {
	v.issues = append(v.issues, fmt.Sprintf(format, args...))
}

func (v *ruleValidator) result() ValidationResult {
	return ValidationResult{Valid: len(v.issues) == 0, Issues: v.issues}
}

func (v *ruleValidator) checkIdentity(rule *Rule) {
	if strings.TrimSpace(rule.Name) == "" {
		v.add("rule name is required")
	}

	if rule.Protocol != "" && !ValidProtocol(rule.Protocol) {
		v.add("unknown protocol: %s", rule.Protocol)
	}
}

func (v *ruleValidator) checkSource(rule *Rule) {
	if rule.SourceHost == "" {
		v.add("source host is required")
	} else if err := util.ValidateHostname(rule.SourceHost); err != nil {
		v.add("invalid source host: %v", err)
	}

	if rule.SourcePath != "" && !strings.HasPrefix(rule.SourcePath, "/") {
		v.add("source path must start with /")
	}

	if rule.Protocol.IsStream() {
		if rule.SourcePort == 0 {
			v.add("%s rules require a source port", rule.Protocol)
		} else if err := util.ValidatePort(rule.SourcePort); err != nil {
			v.add("invalid source port: %v", err)
		}
	} else if rule.SourcePort != 0 {
		if err := util.ValidatePort(rule.SourcePort); err != nil {
			v.add("invalid source port: %v", err)
		}
	}
}

func (v *ruleValidator) checkTargets(rule *Rule) {
	hasSingle := rule.TargetContainer != ""
	hasSet := rule.LoadBalancing != nil && len(rule.LoadBalancing.Targets) > 0

	switch {
	case !hasSingle && !hasSet:
		v.add("rule must define a target container and port or at least one load-balancing target")
	case hasSingle && hasSet:
		v.add("single target and load-balancing target set are mutually exclusive")
	}

	if hasSingle {
		if err := util.ValidatePort(rule.TargetPort); err != nil {
			v.add("invalid target port: %v", err)
		}
	}

	v.checkLoadBalancing(rule.LoadBalancing)
}

func (v *ruleValidator) checkLoadBalancing(lb *LoadBalancingSpec) {
	if lb == nil {
		return
	}

	if len(lb.Targets) == 0 {
		v.add("load balancing requires at least one target")
	}

	if lb.Policy != "" && !ValidPolicy(lb.Policy) {
		v.add("unknown load balancing policy: %s", lb.Policy)
	}

	for i, target := range lb.Targets {
		if target.Container == "" {
			v.add("load balancing target %d: container is required", i)
		}
		if err := util.ValidatePort(target.Port); err != nil {
			v.add("load balancing target %d: %v", i, err)
		}
		if target.Weight < 0 {
			v.add("load balancing target %d: weight must not be negative", i)
		}
	}

	if lb.CookieTTL != 0 && lb.StickyCookie == "" {
		v.add("sticky sessions require a cookie name")
	}
	if lb.StickyCookie != "" {
		if err := util.ValidateHeaderName(lb.StickyCookie); err != nil {
			v.add("invalid sticky cookie name: %v", err)
		}
	}
}

func (v *ruleValidator) checkTLS(tls *TLSSpec) {
	if tls == nil || !tls.Enabled {
		return
	}

	named := tls.CertName != ""
	hasFile := tls.CertFile != "" || tls.KeyFile != ""

	switch {
	case named && hasFile:
		v.add("certName and certFile/keyFile are mutually exclusive")
	case !named && !hasFile:
		v.add("TLS enabled without certificate reference")
	case hasFile && (tls.CertFile == "" || tls.KeyFile == ""):
		v.add("certFile and keyFile must both be set")
	}
}

func (v *ruleValidator) checkHeaders(h *HeaderSpec) {
	if h == nil {
		return
	}

	for name := range h.Request {
		if err := util.ValidateHeaderName(name); err != nil {
			v.add("invalid request header name: %v", err)
		}
	}
	for name := range h.Response {
		if err := util.ValidateHeaderName(name); err != nil {
			v.add("invalid response header name: %v", err)
		}
	}
	for _, name := range h.Remove {
		if err := util.ValidateHeaderName(name); err != nil {
			v.add("invalid removed header name: %v", err)
		}
	}
}

// checkHealthCheck requires a present spec to carry its full probe
// timings: a positive interval, a positive timeout below the interval,
// and a positive retry count. A rule without a spec is simply not
// probed.
func (v *ruleValidator) checkHealthCheck(hc *HealthCheckSpec) {
	if hc == nil {
		return
	}

	if hc.Interval <= 0 {
		v.add("health check interval must be positive")
	}
	if hc.Timeout <= 0 {
		v.add("health check timeout must be positive")
	}
	if hc.Interval > 0 && hc.Timeout > 0 && hc.Timeout.Duration() >= hc.Interval.Duration() {
		v.add("health check timeout must be less than the interval")
	}
	if hc.Retries <= 0 {
		v.add("health check retries must be positive")
	}

	if hc.Path != "" && !strings.HasPrefix(hc.Path, "/") {
		v.add("health check path must start with /")
	}

	if hc.AcceptStatus != "" {
		if _, err := ParseAcceptStatus(hc.AcceptStatus); err != nil {
			v.add("malformed accept-status expression: %v", err)
		}
	}
}

func (v *ruleValidator) checkAdvanced(a *AdvancedSpec) {
	if a == nil {
		return
	}

	if a.ProxyConnectTimeout < 0 || a.ProxyReadTimeout < 0 || a.ProxySendTimeout < 0 {
		v.add("proxy timeouts must not be negative")
	}

	if a.RateLimit != nil && a.RateLimit.RequestsPerSecond <= 0 {
		v.add("rate limit requestsPerSecond must be positive")
	}

	if a.CORS != nil && a.CORS.MaxAge < 0 {
		v.add("CORS maxAge must not be negative")
	}

	if a.WAF != nil && a.WAF.Mode != "" && !ValidWAFMode(a.WAF.Mode) {
		v.add("unknown WAF mode: %s", a.WAF.Mode)
	}

	for i, ip := range a.AllowIPs {
		if !validIPOrCIDR(ip) {
			v.add("allow list entry %d is not an IP or CIDR: %s", i, ip)
		}
	}
	for i, ip := range a.DenyIPs {
		if !validIPOrCIDR(ip) {
			v.add("deny list entry %d is not an IP or CIDR: %s", i, ip)
		}
	}

	for i, rw := range a.Rewrites {
		if rw.Pattern == "" {
			v.add("rewrite %d: pattern is required", i)
			continue
		}
		if err := util.ValidateRegex(rw.Pattern); err != nil {
			v.add("rewrite %d: %v", i, err)
		}
	}
}

// checkCollisions reports a route collision for every enabled rule that
// shares this rule's match. Disabled rules never collide. HTTP rules
// collide on (host, path); stream rules collide on the listen port.
func (v *ruleValidator) checkCollisions(rule *Rule, existing []*Rule) {
	if !rule.Enabled {
		return
	}

	for _, other := range existing {
		if other == nil || other.ID == rule.ID || !other.Enabled {
			continue
		}

		if rule.Protocol.IsStream() && other.Protocol.IsStream() {
			if rule.SourcePort != 0 && rule.SourcePort == other.SourcePort {
				v.add("listen port %d collides with enabled rule %q", rule.SourcePort, other.Name)
			}
			continue
		}

		if !rule.Protocol.IsStream() && !other.Protocol.IsStream() && rule.RouteKey() == other.RouteKey() {
			v.add("route %s%s collides with enabled rule %q", rule.SourceHost, rule.SourcePath, other.Name)
		}
	}
}

func validIPOrCIDR(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}
