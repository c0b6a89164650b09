package compiler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ataiva-software/kontainers-sub000/internal/rules"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// confWriter accumulates engine configuration text with block
// indentation.
type confWriter struct {
	b      strings.Builder
	indent int
}

func (w *confWriter) line(format string, args ...interface{}) {
	w.b.WriteString(strings.Repeat("    ", w.indent))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *confWriter) open(format string, args ...interface{}) {
	w.line(format+" {", args...)
	w.indent++
}

func (w *confWriter) close() {
	w.indent--
	w.line("}")
}

func (w *confWriter) blank() {
	w.b.WriteByte('\n')
}

// verbatim appends raw text unchanged apart from a guaranteed
// trailing newline.
func (w *confWriter) verbatim(s string) {
	w.b.WriteString(s)
	if !strings.HasSuffix(s, "\n") {
		w.b.WriteByte('\n')
	}
}

func (w *confWriter) String() string {
	return w.b.String()
}

// render produces the full configuration document for the enabled
// rule set. The text carries no version or timestamp so identical
// rule sets stay byte-identical.
func (c *Compiler) render(ctx context.Context, enabled []*rules.Rule) (string, error) {
	groups := orderHTTP(enabled)
	streams := orderStream(enabled)

	httpOrdered := make([]*rules.Rule, 0, len(enabled))
	for _, g := range groups {
		httpOrdered = append(httpOrdered, g.rules...)
	}

	targets := make(map[string][]resolvedTarget, len(enabled))
	for _, r := range append(append([]*rules.Rule{}, httpOrdered...), streams...) {
		rt, err := c.resolveTargets(r)
		if err != nil {
			return "", err
		}
		targets[r.ID] = rt
	}

	w := &confWriter{}
	w.line("# kontainers routing configuration")
	w.line("# generated; do not edit")
	w.blank()
	w.open("events")
	w.line("worker_connections 1024;")
	w.close()
	w.blank()

	w.open("http")
	if writeZones(w, httpOrdered) {
		w.blank()
	}
	for _, r := range httpOrdered {
		writeUpstream(w, r, targets[r.ID])
	}
	for i, g := range groups {
		if err := c.writeHostServers(ctx, w, g); err != nil {
			return "", err
		}
		if i < len(groups)-1 {
			w.blank()
		}
	}
	w.close()

	if len(streams) > 0 {
		w.blank()
		w.open("stream")
		for _, r := range streams {
			writeUpstream(w, r, targets[r.ID])
		}
		for i, r := range streams {
			writeStreamServer(w, r)
			if i < len(streams)-1 {
				w.blank()
			}
		}
		w.close()
	}

	return w.String(), nil
}

// writeZones emits http-context shared zone definitions required by
// per-rule cache and rate-limit directives. Returns true if any line
// was written.
func writeZones(w *confWriter, httpOrdered []*rules.Rule) bool {
	wrote := false

	for _, r := range httpOrdered {
		if r.Advanced != nil && r.Advanced.CacheEnabled {
			w.line("proxy_cache_path /var/cache/kontainers levels=1:2 keys_zone=kontainers:10m max_size=1g inactive=60m;")
			wrote = true
			break
		}
	}

	for _, r := range httpOrdered {
		if r.Advanced == nil || r.Advanced.RateLimit == nil {
			continue
		}
		w.line("limit_req_zone $binary_remote_addr zone=%s:10m rate=%dr/s;",
			rateZoneName(r), r.Advanced.RateLimit.RequestsPerSecond)
		wrote = true
	}

	return wrote
}

// writeUpstream renders one rule's upstream block. Sticky sessions
// hash on the affinity cookie; otherwise the balancing policy picks
// the directive. Round robin is the engine default and needs none.
func writeUpstream(w *confWriter, r *rules.Rule, targets []resolvedTarget) {
	w.open("upstream %s", upstreamName(r))

	switch {
	case r.Protocol.IsStream():
		switch r.BalancingPolicy() {
		case rules.PolicyLeastConn:
			w.line("least_conn;")
		case rules.PolicyIPHash:
			w.line("hash $remote_addr consistent;")
		case rules.PolicyRandom:
			w.line("random;")
		}
	case r.LoadBalancing.Sticky():
		w.line("hash $cookie_%s consistent;", r.LoadBalancing.StickyCookie)
	default:
		switch r.BalancingPolicy() {
		case rules.PolicyLeastConn:
			w.line("least_conn;")
		case rules.PolicyIPHash:
			w.line("ip_hash;")
		case rules.PolicyRandom:
			w.line("random;")
		}
	}

	for _, t := range targets {
		w.line("%s", serverLine(r, t))
	}

	w.close()
	w.blank()
}

// serverLine renders one upstream server directive. Health-check
// timing annotates live servers as passive-check parameters.
func serverLine(r *rules.Rule, t resolvedTarget) string {
	var b strings.Builder
	b.WriteString("server ")
	b.WriteString(t.addr)

	if !t.down {
		if t.weight > 1 {
			fmt.Fprintf(&b, " weight=%d", t.weight)
		}
		if hc := r.HealthCheck; hc != nil {
			if hc.Retries > 0 {
				fmt.Fprintf(&b, " max_fails=%d", hc.Retries)
			}
			if hc.Interval > 0 {
				fmt.Fprintf(&b, " fail_timeout=%s", hc.Interval.Duration())
			}
		}
	} else {
		b.WriteString(" down")
	}

	b.WriteString(";")
	if t.down {
		b.WriteString(" # unresolved ")
		b.WriteString(t.origin)
	}

	return b.String()
}

// writeHostServers renders the server blocks for one source host.
// Plain locations listen on 80; TLS locations listen on 443;
// RedirectHTTP rules add a port-80 redirect for their path.
func (c *Compiler) writeHostServers(ctx context.Context, w *confWriter, g hostGroup) error {
	var plain, secured []*rules.Rule
	for _, r := range g.rules {
		if r.TLS != nil && r.TLS.Enabled {
			secured = append(secured, r)
		} else {
			plain = append(plain, r)
		}
	}

	needHTTP := len(plain) > 0
	for _, r := range secured {
		if r.TLS.RedirectHTTP {
			needHTTP = true
			break
		}
	}

	if needHTTP {
		w.open("server")
		w.line("listen 80;")
		w.line("server_name %s;", g.host)
		for _, r := range g.rules {
			if r.TLS != nil && r.TLS.Enabled {
				if r.TLS.RedirectHTTP {
					w.blank()
					w.open("location %s", locationPath(r))
					w.line("return 301 https://$host$request_uri;")
					w.close()
				}
				continue
			}
			w.blank()
			writeLocation(w, r)
		}
		w.close()
	}

	if len(secured) > 0 {
		certPath, keyPath, err := c.hostCertificate(ctx, secured)
		if err != nil {
			return err
		}

		if needHTTP {
			w.blank()
		}
		w.open("server")
		w.line("listen 443 ssl;")
		w.line("server_name %s;", g.host)
		w.blank()
		w.line("ssl_certificate %s;", certPath)
		w.line("ssl_certificate_key %s;", keyPath)
		w.line("ssl_protocols TLSv1.2 TLSv1.3;")
		for _, r := range secured {
			w.blank()
			writeLocation(w, r)
		}
		w.close()
	}

	return nil
}

// hostCertificate resolves the certificate pair for a host's TLS
// server block from the most specific TLS rule on the host.
func (c *Compiler) hostCertificate(ctx context.Context, secured []*rules.Rule) (string, string, error) {
	r := secured[0]

	if r.TLS.CertName != "" {
		certPath, keyPath, err := c.certs.Materialize(ctx, r.TLS.CertName)
		if err != nil {
			return "", "", util.NewCompileErrorWithCause(r.ID,
				fmt.Sprintf("resolve certificate %q", r.TLS.CertName), err)
		}
		return certPath, keyPath, nil
	}

	return r.TLS.CertFile, r.TLS.KeyFile, nil
}

// writeLocation renders one rule's location block. CustomConfig is
// appended verbatim after every generated directive so the override
// always wins.
func writeLocation(w *confWriter, r *rules.Rule) {
	w.open("location %s", locationPath(r))

	scheme := "http"
	if r.Protocol == rules.ProtocolHTTPS {
		scheme = "https"
	}
	w.line("proxy_pass %s://%s;", scheme, upstreamName(r))
	w.line("proxy_http_version 1.1;")
	w.line("proxy_set_header Host $host;")
	w.line("proxy_set_header X-Real-IP $remote_addr;")
	w.line("proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;")
	w.line("proxy_set_header X-Forwarded-Proto $scheme;")

	writeHeaderDirectives(w, r.Headers)
	writeAdvancedDirectives(w, r)

	if r.CustomConfig != "" {
		w.blank()
		w.verbatim(r.CustomConfig)
	}

	w.close()
}

// locationPath normalizes the rule's source path for the location
// directive. Empty paths match everything.
func locationPath(r *rules.Rule) string {
	if r.SourcePath == "" {
		return "/"
	}
	return r.SourcePath
}

// writeHeaderDirectives renders header mutations. Maps emit in sorted
// key order to keep the document deterministic.
func writeHeaderDirectives(w *confWriter, h *rules.HeaderSpec) {
	if h == nil {
		return
	}

	for _, name := range sortedKeys(h.Request) {
		w.line("proxy_set_header %s %q;", name, h.Request[name])
	}
	for _, name := range sortedKeys(h.Response) {
		w.line("add_header %s %q always;", name, h.Response[name])
	}
	for _, name := range h.Remove {
		w.line("proxy_hide_header %s;", name)
	}
}

func writeAdvancedDirectives(w *confWriter, r *rules.Rule) {
	a := r.Advanced
	if a == nil {
		return
	}

	if a.WebsocketUpgrade {
		w.line("proxy_set_header Upgrade $http_upgrade;")
		w.line(`proxy_set_header Connection "upgrade";`)
	}
	if a.BufferingOff {
		w.line("proxy_buffering off;")
	}
	if a.ProxyConnectTimeout > 0 {
		w.line("proxy_connect_timeout %s;", a.ProxyConnectTimeout.Duration())
	}
	if a.ProxyReadTimeout > 0 {
		w.line("proxy_read_timeout %s;", a.ProxyReadTimeout.Duration())
	}
	if a.ProxySendTimeout > 0 {
		w.line("proxy_send_timeout %s;", a.ProxySendTimeout.Duration())
	}
	if a.MaxBodySize != "" {
		w.line("client_max_body_size %s;", a.MaxBodySize)
	}

	if a.CacheEnabled {
		w.line("proxy_cache kontainers;")
		if a.CacheTTL > 0 {
			w.line("proxy_cache_valid 200 301 302 %s;", a.CacheTTL.Duration())
		}
	}

	if rl := a.RateLimit; rl != nil {
		if rl.Burst > 0 {
			w.line("limit_req zone=%s burst=%d nodelay;", rateZoneName(r), rl.Burst)
		} else {
			w.line("limit_req zone=%s;", rateZoneName(r))
		}
	}

	writeCORSDirectives(w, a.CORS)

	if a.SecurityHeaders {
		w.line(`add_header X-Frame-Options "SAMEORIGIN" always;`)
		w.line(`add_header X-Content-Type-Options "nosniff" always;`)
		w.line(`add_header X-XSS-Protection "1; mode=block" always;`)
		w.line(`add_header Referrer-Policy "strict-origin-when-cross-origin" always;`)
	}

	writeWAFDirectives(w, a.WAF)

	for _, ip := range a.AllowIPs {
		w.line("allow %s;", ip)
	}
	for _, ip := range a.DenyIPs {
		w.line("deny %s;", ip)
	}
	if len(a.AllowIPs) > 0 {
		w.line("deny all;")
	}

	for _, rw := range a.Rewrites {
		if rw.Flag != "" {
			w.line("rewrite %s %s %s;", rw.Pattern, rw.Replacement, rw.Flag)
		} else {
			w.line("rewrite %s %s;", rw.Pattern, rw.Replacement)
		}
	}
}

// writeCORSDirectives renders CORS headers. A single configured
// origin emits literally; multiple origins reflect the request
// origin, which the engine cannot enumerate in a static header.
func writeCORSDirectives(w *confWriter, cors *rules.CORSSpec) {
	if cors == nil {
		return
	}

	origin := "$http_origin"
	if len(cors.AllowOrigins) == 1 {
		origin = cors.AllowOrigins[0]
	}
	w.line("add_header Access-Control-Allow-Origin %q always;", origin)

	if len(cors.AllowMethods) > 0 {
		w.line("add_header Access-Control-Allow-Methods %q always;", strings.Join(cors.AllowMethods, ", "))
	}
	if len(cors.AllowHeaders) > 0 {
		w.line("add_header Access-Control-Allow-Headers %q always;", strings.Join(cors.AllowHeaders, ", "))
	}
	if cors.AllowCredentials {
		w.line(`add_header Access-Control-Allow-Credentials "true" always;`)
	}
	if cors.MaxAge > 0 {
		w.line("add_header Access-Control-Max-Age %q always;", strconv.Itoa(cors.MaxAge))
	}
}

func writeWAFDirectives(w *confWriter, waf *rules.WAFSpec) {
	if waf == nil || waf.Mode == "" || waf.Mode == rules.WAFModeOff {
		return
	}

	w.line("modsecurity on;")
	if waf.Mode == rules.WAFModeDetect {
		w.line("modsecurity_rules 'SecRuleEngine DetectionOnly';")
	} else {
		w.line("modsecurity_rules 'SecRuleEngine On';")
	}
	for _, rs := range waf.Rulesets {
		w.line("modsecurity_rules_file %s;", rs)
	}
}

// writeStreamServer renders one TCP/UDP listener.
func writeStreamServer(w *confWriter, r *rules.Rule) {
	w.open("server")

	if r.Protocol == rules.ProtocolUDP {
		w.line("listen %d udp;", r.SourcePort)
	} else {
		w.line("listen %d;", r.SourcePort)
	}
	w.line("proxy_pass %s;", upstreamName(r))

	if a := r.Advanced; a != nil {
		if a.ProxyConnectTimeout > 0 {
			w.line("proxy_connect_timeout %s;", a.ProxyConnectTimeout.Duration())
		}
		if a.ProxyReadTimeout > 0 {
			w.line("proxy_timeout %s;", a.ProxyReadTimeout.Duration())
		}
	}

	if r.CustomConfig != "" {
		w.blank()
		w.verbatim(r.CustomConfig)
	}

	w.close()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
