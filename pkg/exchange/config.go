package exchange

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// GatewayConfig describes one venue connection. PrivateKey and addresses may
// reference environment variables with ${VAR} placeholders.
type GatewayConfig struct {
	Type           string `yaml:"type"`
	Testnet        bool   `yaml:"testnet"`
	PrivateKey     string `yaml:"private_key"`
	AccountAddress string `yaml:"account_address"`
	VaultAddress   string `yaml:"vault_address"`
}

// Config is the optional gateways file (etc/gateways.yaml).
type Config struct {
	Default  string                    `yaml:"default"`
	Gateways map[string]*GatewayConfig `yaml:"gateways"`
}

// GatewayBuilder constructs a Gateway from its config section.
type GatewayBuilder func(name string, cfg *GatewayConfig) (Gateway, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[string]GatewayBuilder)
)

// RegisterGateway makes a builder available under the given type name.
// Implementations call this from init.
func RegisterGateway(typ string, builder GatewayBuilder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[strings.ToLower(strings.TrimSpace(typ))] = builder
}

// BuildGateway constructs a single gateway by type name.
func BuildGateway(typ string, cfg *GatewayConfig) (Gateway, error) {
	buildersMu.RLock()
	builder, ok := builders[strings.ToLower(strings.TrimSpace(typ))]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange: unknown gateway type %q (registered: %s)", typ, registeredTypes())
	}
	if cfg == nil {
		cfg = &GatewayConfig{Type: typ}
	}
	cfg.expandEnv()
	return builder(typ, cfg)
}

// LoadConfig reads and expands a gateways YAML file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exchange: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("exchange: parse config %s: %w", path, err)
	}
	for _, gw := range cfg.Gateways {
		gw.expandEnv()
	}
	return &cfg, nil
}

// BuildGateways constructs every configured gateway.
func (c *Config) BuildGateways() (map[string]Gateway, error) {
	out := make(map[string]Gateway, len(c.Gateways))
	for name, gc := range c.Gateways {
		typ := gc.Type
		if typ == "" {
			typ = name
		}
		gw, err := BuildGateway(typ, gc)
		if err != nil {
			return nil, fmt.Errorf("exchange: build gateway %s: %w", name, err)
		}
		out[name] = gw
	}
	return out, nil
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func (g *GatewayConfig) expandEnv() {
	g.PrivateKey = expandEnv(g.PrivateKey)
	g.AccountAddress = expandEnv(g.AccountAddress)
	g.VaultAddress = expandEnv(g.VaultAddress)
}

func expandEnv(value string) string {
	return envPlaceholder.ReplaceAllStringFunc(value, func(m string) string {
		name := envPlaceholder.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

func registeredTypes() string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
