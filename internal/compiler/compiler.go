// Package compiler renders an enabled rule set into the proxy
// engine's configuration document.
//
// Compilation is deterministic: identical rule sets produce
// byte-identical text regardless of insertion order, so the artifact
// checksum doubles as change detection for the reload coordinator.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ataiva-software/kontainers-sub000/internal/certs"
	"github.com/ataiva-software/kontainers-sub000/internal/facts"
	reloadmetrics "github.com/ataiva-software/kontainers-sub000/internal/metrics/reload"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// Artifact is one immutable compiled configuration generation.
type Artifact struct {
	Version    uint64
	Checksum   string
	Text       string
	RuleCount  int
	CompiledAt time.Time
}

// Options parameterizes a single compilation.
type Options struct {
	// Version stamps the artifact. The reload coordinator allocates
	// monotonically increasing versions; the compiler only carries it.
	Version uint64
}

// Compiler renders rules into engine configuration text. Target
// containers resolve through the facts resolver and named
// certificates materialize through the certificate store at compile
// time.
type Compiler struct {
	resolver facts.Resolver
	certs    certs.Store
	metrics  *reloadmetrics.ReloadMetrics
	logger   observability.Logger
	clock    util.Clock
}

// Option is a functional option for configuring the compiler.
type Option func(*Compiler)

// WithCompilerLogger sets the logger.
func WithCompilerLogger(logger observability.Logger) Option {
	return func(c *Compiler) {
		c.logger = logger
	}
}

// WithCompilerClock overrides the clock used for artifact timestamps.
func WithCompilerClock(clock util.Clock) Option {
	return func(c *Compiler) {
		c.clock = clock
	}
}

// New creates a Compiler.
func New(resolver facts.Resolver, certStore certs.Store, opts ...Option) *Compiler {
	c := &Compiler{
		resolver: resolver,
		certs:    certStore,
		metrics:  reloadmetrics.GetReloadMetrics(),
		logger:   observability.L(),
		clock:    util.RealClock{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(observability.String("component", "compiler"))
	return c
}

// Compile renders the enabled subset of set into an Artifact.
func (c *Compiler) Compile(ctx context.Context, set []*rules.Rule, opts Options) (*Artifact, error) {
	start := c.clock.Now()

	enabled := make([]*rules.Rule, 0, len(set))
	for _, r := range set {
		if r != nil && r.Enabled {
			enabled = append(enabled, r)
		}
	}

	text, err := c.render(ctx, enabled)
	c.metrics.RecordCompile(c.clock.Now().Sub(start), err)
	if err != nil {
		c.logger.Error("compilation failed",
			observability.Int("rules", len(enabled)),
			observability.Error(err),
		)
		return nil, err
	}

	sum := sha256.Sum256([]byte(text))
	artifact := &Artifact{
		Version:    opts.Version,
		Checksum:   hex.EncodeToString(sum[:]),
		Text:       text,
		RuleCount:  len(enabled),
		CompiledAt: c.clock.Now(),
	}

	c.logger.Debug("compiled configuration",
		observability.Uint64("version", artifact.Version),
		observability.Int("rules", artifact.RuleCount),
		observability.String("checksum", artifact.Checksum[:12]),
	)

	return artifact, nil
}

// hostGroup is the ordered set of HTTP rules sharing one source host.
type hostGroup struct {
	host  string
	rules []*rules.Rule
}

// orderHTTP groups HTTP rules by lowercase host, hosts sorted
// lexicographically, locations within a host sorted by specificity.
func orderHTTP(enabled []*rules.Rule) []hostGroup {
	byHost := make(map[string][]*rules.Rule)
	for _, r := range enabled {
		if r.Protocol.IsStream() {
			continue
		}
		host := strings.ToLower(r.SourceHost)
		byHost[host] = append(byHost[host], r)
	}

	hosts := make([]string, 0, len(byHost))
	for host := range byHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	groups := make([]hostGroup, 0, len(hosts))
	for _, host := range hosts {
		group := byHost[host]
		sort.SliceStable(group, func(i, j int) bool {
			return moreSpecific(group[i], group[j])
		})
		groups = append(groups, hostGroup{host: host, rules: group})
	}

	return groups
}

// moreSpecific orders rules for location emission: longest literal
// path prefix first, then older rule, then smaller ID.
func moreSpecific(a, b *rules.Rule) bool {
	al, bl := literalPrefixLen(a.SourcePath), literalPrefixLen(b.SourcePath)
	if al != bl {
		return al > bl
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// literalPrefixLen measures how much of path matches literally, up to
// the first expression metacharacter.
func literalPrefixLen(path string) int {
	if i := strings.IndexAny(path, `*?^$()[]|+\`); i >= 0 {
		return i
	}
	return len(path)
}

// orderStream sorts TCP/UDP rules by listen port; enabled stream
// rules never share a port, so the order is total in practice.
func orderStream(enabled []*rules.Rule) []*rules.Rule {
	stream := make([]*rules.Rule, 0)
	for _, r := range enabled {
		if r.Protocol.IsStream() {
			stream = append(stream, r)
		}
	}

	sort.SliceStable(stream, func(i, j int) bool {
		a, b := stream[i], stream[j]
		if a.SourcePort != b.SourcePort {
			return a.SourcePort < b.SourcePort
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	return stream
}

// resolvedTarget is one upstream server line.
type resolvedTarget struct {
	addr   string
	weight int
	down   bool
	origin string
}

// downPlaceholder is a syntactically valid address for down-marked
// servers; the engine never routes to a down entry.
const downPlaceholder = "127.0.0.1:1"

// resolveTargets resolves a rule's targets to concrete endpoints.
// Unresolvable members of a balanced set render as down placeholders;
// a single-target rule that does not resolve cannot produce a usable
// block and fails the compile.
func (c *Compiler) resolveTargets(r *rules.Rule) ([]resolvedTarget, error) {
	targets := r.Targets()
	out := make([]resolvedTarget, 0, len(targets))

	for _, t := range targets {
		ep, err := c.resolver.ResolvePort(t.Container, t.Port)
		if err != nil {
			if !r.Balanced() {
				return nil, util.NewCompileErrorWithCause(r.ID,
					fmt.Sprintf("target %s does not resolve", t.Key()), err)
			}
			out = append(out, resolvedTarget{
				addr:   downPlaceholder,
				weight: t.EffectiveWeight(),
				down:   true,
				origin: t.Key(),
			})
			continue
		}
		out = append(out, resolvedTarget{addr: ep.HostPort(), weight: t.EffectiveWeight()})
	}

	if len(out) == 0 {
		return nil, util.NewCompileError(r.ID, "rule has no targets")
	}

	return out, nil
}

// sanitizeID maps a rule ID onto the engine's identifier alphabet.
func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// upstreamName derives the engine upstream name from the rule ID so
// it is stable across compiles.
func upstreamName(r *rules.Rule) string {
	return "u_" + sanitizeID(r.ID)
}

// rateZoneName derives the rate-limit zone name from the rule ID.
func rateZoneName(r *rules.Rule) string {
	return "rl_" + sanitizeID(r.ID)
}
