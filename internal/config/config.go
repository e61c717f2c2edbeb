// Package config loads the gateway's static startup snapshot (spec.md
// §3 GatewayConfig): listen address, optional TLS material, the config
// stream source URL, the admin key, and the initial service/client
// catalog, following the teacher's Load/applyDefaults/Validate shape.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3xpluto/edgeway/internal/model"
)

func Load(path string) (*model.GatewayConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg model.GatewayConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *model.GatewayConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.LoadBalance == "" {
			svc.LoadBalance = model.LBRandom
		}
		if svc.TimeoutMillis == 0 {
			svc.TimeoutMillis = 30000
		}
		if svc.Auth == "" {
			svc.Auth = model.AuthNone
		}
		for j := range svc.Upstreams {
			if svc.Upstreams[j].Weight == 0 {
				svc.Upstreams[j].Weight = 1
			}
		}
	}
}

func Validate(cfg *model.GatewayConfig) error {
	if cfg.ConfigSourceURL == "" {
		return fmt.Errorf("config_source_url is required")
	}

	seenService := map[string]struct{}{}
	for i, svc := range cfg.Services {
		idx := fmt.Sprintf("services[%d]", i)
		name := strings.TrimSpace(svc.ServiceID)
		if name == "" {
			return fmt.Errorf("%s.service_id is required", idx)
		}
		if _, ok := seenService[name]; ok {
			return fmt.Errorf("duplicate service_id: %q", name)
		}
		seenService[name] = struct{}{}

		if !strings.HasPrefix(svc.Path, "/") {
			return fmt.Errorf("%s.path must start with '/'", idx)
		}
		if len(svc.Upstreams) == 0 {
			return fmt.Errorf("%s.upstreams must have at least one entry", idx)
		}
		switch svc.Auth {
		case model.AuthNone, model.AuthAppKey, model.AuthJWT:
		default:
			return fmt.Errorf("%s.auth must be one of none/appkey/jwt", idx)
		}
	}

	seenClient := map[string]struct{}{}
	for i, c := range cfg.Clients {
		idx := fmt.Sprintf("clients[%d]", i)
		if strings.TrimSpace(c.ClientID) == "" {
			return fmt.Errorf("%s.client_id is required", idx)
		}
		if _, ok := seenClient[c.ClientID]; ok {
			return fmt.Errorf("duplicate client_id: %q", c.ClientID)
		}
		seenClient[c.ClientID] = struct{}{}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		return fmt.Errorf("tls_cert_path and tls_key_path must be set together")
	}
	return nil
}
