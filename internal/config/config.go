package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/devproxy/internal/model"
	"github.com/fabian4/devproxy/internal/observability"
)

type rawConfig struct {
	Dev             bool      `yaml:"dev"`
	Listen          string    `yaml:"listen"`
	Root            string    `yaml:"root"`
	UpgradeFallback string    `yaml:"upgrade_fallback"`
	DevProxy        yaml.Node `yaml:"dev_proxy"`
	Log             struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Dial     string `yaml:"dial"`
		Shutdown string `yaml:"shutdown"`
	} `yaml:"timeouts"`
}

// rawRule is the structured form of a dev_proxy entry. Pointers mark
// options whose default is not the zero value.
type rawRule struct {
	Target       string            `yaml:"target"`
	WS           bool              `yaml:"ws"`
	ChangeOrigin bool              `yaml:"change_origin"`
	XFwd         bool              `yaml:"xfwd"`
	Secure       *bool             `yaml:"secure"`
	PrependPath  *bool             `yaml:"prepend_path"`
	IgnorePath   bool              `yaml:"ignore_path"`
	Headers      map[string]string `yaml:"headers"`
	IdleTimeout  string            `yaml:"idle_timeout"`
	RateLimit    *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

var knownRuleKeys = map[string]struct{}{
	"target":        {},
	"ws":            {},
	"change_origin": {},
	"xfwd":          {},
	"secure":        {},
	"prepend_path":  {},
	"ignore_path":   {},
	"headers":       {},
	"idle_timeout":  {},
	"rate_limit":    {},
}

type Config struct {
	Dev             bool
	Listen          string
	Root            string
	UpgradeFallback string
	DevProxy        []model.Rule // configuration order
	Log             observability.LogConfig
	Timeouts        Timeouts
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Dial     time.Duration
	Shutdown time.Duration
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	listen := strings.TrimSpace(rc.Listen)
	if listen == "" {
		listen = ":3000"
	}
	root := strings.TrimSpace(rc.Root)
	if root == "" {
		root = "./public"
	}

	rules, err := parseDevProxy(&rc.DevProxy)
	if err != nil {
		return nil, err
	}

	logCfg := observability.DefaultLogConfig()
	if v := strings.TrimSpace(rc.Log.Level); v != "" {
		logCfg.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(rc.Log.Format); v != "" {
		logCfg.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(rc.Log.Output); v != "" {
		logCfg.Output = strings.ToLower(v)
	}

	timeouts := Timeouts{
		Dial:     5 * time.Second,
		Shutdown: 5 * time.Second,
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"read", rc.Timeouts.Read, &timeouts.Read},
		{"write", rc.Timeouts.Write, &timeouts.Write},
		{"dial", rc.Timeouts.Dial, &timeouts.Dial},
		{"shutdown", rc.Timeouts.Shutdown, &timeouts.Shutdown},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("timeouts.%s: %v", d.name, err)
		}
		*d.dst = v
	}

	return &Config{
		Dev:             rc.Dev,
		Listen:          listen,
		Root:            root,
		UpgradeFallback: strings.TrimSpace(rc.UpgradeFallback),
		DevProxy:        rules,
		Log:             logCfg,
		Timeouts:        timeouts,
	}, nil
}

// parseDevProxy walks the mapping node directly so that rule order, which
// decides match precedence, survives decoding.
func parseDevProxy(n *yaml.Node) ([]model.Rule, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("dev_proxy: must be a mapping of path prefix to rule")
	}

	rules := make([]model.Rule, 0, len(n.Content)/2)
	seen := make(map[string]struct{}, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		pfx := key.Value
		if pfx == "" {
			return nil, fmt.Errorf("dev_proxy[%d]: path prefix is empty", i/2)
		}
		if _, dup := seen[pfx]; dup {
			return nil, fmt.Errorf("dev_proxy: duplicate path prefix %q", pfx)
		}
		seen[pfx] = struct{}{}

		r, err := parseRule(pfx, val)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parseRule(pfx string, val *yaml.Node) (model.Rule, error) {
	switch val.Kind {
	case yaml.ScalarNode:
		return model.Rule{
			PathPrefix: pfx,
			Target:     strings.TrimSpace(val.Value),
			Options:    model.DefaultOptions(),
		}, nil
	case yaml.MappingNode:
	default:
		return model.Rule{}, fmt.Errorf("dev_proxy[%q]: must be a target string or a rule mapping", pfx)
	}

	var rr rawRule
	if err := val.Decode(&rr); err != nil {
		return model.Rule{}, fmt.Errorf("dev_proxy[%q]: %w", pfx, err)
	}

	opts := model.DefaultOptions()
	opts.ChangeOrigin = rr.ChangeOrigin
	opts.XFwd = rr.XFwd
	opts.IgnorePath = rr.IgnorePath
	opts.Headers = rr.Headers
	if rr.Secure != nil {
		opts.Secure = *rr.Secure
	}
	if rr.PrependPath != nil {
		opts.PrependPath = *rr.PrependPath
	}
	if rr.IdleTimeout != "" {
		d, err := time.ParseDuration(rr.IdleTimeout)
		if err != nil {
			return model.Rule{}, fmt.Errorf("dev_proxy[%q].idle_timeout: %v", pfx, err)
		}
		opts.IdleTimeout = d
	}
	if rr.RateLimit != nil {
		if rr.RateLimit.RequestsPerSecond <= 0 {
			return model.Rule{}, fmt.Errorf("dev_proxy[%q].rate_limit: requests_per_second must be > 0", pfx)
		}
		burst := rr.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		opts.RateLimit = &model.RateLimit{RequestsPerSecond: rr.RateLimit.RequestsPerSecond, Burst: burst}
	}

	extra, err := extraKeys(val)
	if err != nil {
		return model.Rule{}, fmt.Errorf("dev_proxy[%q]: %w", pfx, err)
	}
	opts.Extra = extra

	return model.Rule{
		PathPrefix: pfx,
		Target:     strings.TrimSpace(rr.Target),
		Structured: true,
		WS:         rr.WS,
		Options:    opts,
	}, nil
}

func extraKeys(val *yaml.Node) (map[string]any, error) {
	var extra map[string]any
	for i := 0; i+1 < len(val.Content); i += 2 {
		k := val.Content[i].Value
		if _, ok := knownRuleKeys[k]; ok {
			continue
		}
		var v any
		if err := val.Content[i+1].Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra, nil
}
