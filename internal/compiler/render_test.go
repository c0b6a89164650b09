package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
)

func TestConfWriter_Nesting(t *testing.T) {
	t.Parallel()

	w := &confWriter{}
	w.open("http")
	w.open("server")
	w.line("listen %d;", 80)
	w.close()
	w.close()

	expected := "http {\n    server {\n        listen 80;\n    }\n}\n"
	assert.Equal(t, expected, w.String())
}

func TestConfWriter_VerbatimKeepsTextUnchanged(t *testing.T) {
	t.Parallel()

	w := &confWriter{}
	w.open("location /")
	w.verbatim("  raw   override ;; %s not-a-format")
	w.close()

	assert.Contains(t, w.String(), "  raw   override ;; %s not-a-format\n")
}

func TestLiteralPrefixLen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want int
	}{
		{path: "/", want: 1},
		{path: "/api/v1", want: 7},
		{path: "/files/.*\\.pdf", want: 8},
		{path: "/exact$", want: 6},
		{path: "", want: 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, literalPrefixLen(tt.path), "path %q", tt.path)
	}
}

func TestSanitizeID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "u_3f2a_b1c9", upstreamName(&rules.Rule{ID: "3f2a-b1c9"}))
	assert.Equal(t, "rl_abc_def", rateZoneName(&rules.Rule{ID: "abc.def"}))
}

func TestServerLine(t *testing.T) {
	t.Parallel()

	plain := &rules.Rule{}
	checked := &rules.Rule{HealthCheck: &rules.HealthCheckSpec{
		Interval: config.Duration(10 * time.Second),
		Retries:  3,
	}}

	tests := []struct {
		name   string
		rule   *rules.Rule
		target resolvedTarget
		want   string
	}{
		{
			name:   "bare",
			rule:   plain,
			target: resolvedTarget{addr: "10.0.0.1:80", weight: 1},
			want:   "server 10.0.0.1:80;",
		},
		{
			name:   "weighted",
			rule:   plain,
			target: resolvedTarget{addr: "10.0.0.1:80", weight: 4},
			want:   "server 10.0.0.1:80 weight=4;",
		},
		{
			name:   "health annotated",
			rule:   checked,
			target: resolvedTarget{addr: "10.0.0.1:80", weight: 1},
			want:   "server 10.0.0.1:80 max_fails=3 fail_timeout=10s;",
		},
		{
			name:   "down placeholder",
			rule:   checked,
			target: resolvedTarget{addr: "127.0.0.1:1", weight: 2, down: true, origin: "web:80"},
			want:   "server 127.0.0.1:1 down; # unresolved web:80",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, serverLine(tt.rule, tt.target))
		})
	}
}

func TestWriteHeaderDirectives_SortedAndQuoted(t *testing.T) {
	t.Parallel()

	w := &confWriter{}
	writeHeaderDirectives(w, &rules.HeaderSpec{
		Request:  map[string]string{"X-Zulu": "z", "X-Alpha": "a"},
		Response: map[string]string{"X-Served-By": "kontainers"},
		Remove:   []string{"Server", "X-Powered-By"},
	})

	out := w.String()
	expected := `proxy_set_header X-Alpha "a";
proxy_set_header X-Zulu "z";
add_header X-Served-By "kontainers" always;
proxy_hide_header Server;
proxy_hide_header X-Powered-By;
`
	assert.Equal(t, expected, out)
}

func TestWriteAdvancedDirectives(t *testing.T) {
	t.Parallel()

	r := &rules.Rule{
		ID: "aaa",
		Advanced: &rules.AdvancedSpec{
			ProxyConnectTimeout: config.Duration(5 * time.Second),
			ProxyReadTimeout:    config.Duration(90 * time.Second),
			MaxBodySize:         "50m",
			CacheEnabled:        true,
			CacheTTL:            config.Duration(10 * time.Minute),
			SecurityHeaders:     true,
			WebsocketUpgrade:    true,
			BufferingOff:        true,
			WAF: &rules.WAFSpec{
				Mode:     rules.WAFModeBlock,
				Rulesets: []string{"/etc/waf/crs.conf"},
			},
			AllowIPs: []string{"10.0.0.0/8"},
			DenyIPs:  []string{"192.0.2.7"},
			Rewrites: []rules.RewriteRule{
				{Pattern: "^/old/(.*)$", Replacement: "/new/$1", Flag: "last"},
			},
		},
	}

	w := &confWriter{}
	writeAdvancedDirectives(w, r)
	out := w.String()

	assert.Contains(t, out, "proxy_set_header Upgrade $http_upgrade;")
	assert.Contains(t, out, `proxy_set_header Connection "upgrade";`)
	assert.Contains(t, out, "proxy_buffering off;")
	assert.Contains(t, out, "proxy_connect_timeout 5s;")
	assert.Contains(t, out, "proxy_read_timeout 1m30s;")
	assert.Contains(t, out, "client_max_body_size 50m;")
	assert.Contains(t, out, "proxy_cache kontainers;")
	assert.Contains(t, out, "proxy_cache_valid 200 301 302 10m0s;")
	assert.Contains(t, out, `add_header X-Content-Type-Options "nosniff" always;`)
	assert.Contains(t, out, "modsecurity on;")
	assert.Contains(t, out, "modsecurity_rules 'SecRuleEngine On';")
	assert.Contains(t, out, "modsecurity_rules_file /etc/waf/crs.conf;")
	assert.Contains(t, out, "allow 10.0.0.0/8;")
	assert.Contains(t, out, "deny 192.0.2.7;")
	assert.Contains(t, out, "deny all;")
	assert.Contains(t, out, "rewrite ^/old/(.*)$ /new/$1 last;")
}

func TestWriteCORSDirectives(t *testing.T) {
	t.Parallel()

	t.Run("single origin renders literally", func(t *testing.T) {
		t.Parallel()
		w := &confWriter{}
		writeCORSDirectives(w, &rules.CORSSpec{
			AllowOrigins: []string{"https://app.example.com"},
			AllowMethods: []string{"GET", "POST"},
			MaxAge:       3600,
		})
		out := w.String()
		assert.Contains(t, out, `add_header Access-Control-Allow-Origin "https://app.example.com" always;`)
		assert.Contains(t, out, `add_header Access-Control-Allow-Methods "GET, POST" always;`)
		assert.Contains(t, out, `add_header Access-Control-Max-Age "3600" always;`)
	})

	t.Run("multiple origins reflect the request", func(t *testing.T) {
		t.Parallel()
		w := &confWriter{}
		writeCORSDirectives(w, &rules.CORSSpec{
			AllowOrigins:     []string{"https://a.example.com", "https://b.example.com"},
			AllowCredentials: true,
		})
		out := w.String()
		assert.Contains(t, out, `add_header Access-Control-Allow-Origin "$http_origin" always;`)
		assert.Contains(t, out, `add_header Access-Control-Allow-Credentials "true" always;`)
	})
}

func TestWAFDetectMode(t *testing.T) {
	t.Parallel()

	w := &confWriter{}
	writeWAFDirectives(w, &rules.WAFSpec{Mode: rules.WAFModeDetect})
	assert.Contains(t, w.String(), "modsecurity_rules 'SecRuleEngine DetectionOnly';")

	w2 := &confWriter{}
	writeWAFDirectives(w2, &rules.WAFSpec{Mode: rules.WAFModeOff})
	assert.Empty(t, w2.String())
}

func TestLocationPath_EmptyDefaultsToRoot(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/", locationPath(&rules.Rule{}))
	assert.Equal(t, "/api", locationPath(&rules.Rule{SourcePath: "/api"}))
}
