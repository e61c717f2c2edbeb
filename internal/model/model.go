// Package model holds the shared wire and in-process records for the
// gateway: service/client catalogs, config-stream events, and the
// per-request execution context threaded through the pipeline.
package model

import "time"

// AuthKind selects which credential validator a service uses.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAppKey AuthKind = "appkey"
	AuthJWT    AuthKind = "jwt"
)

// FilterKind tags the variant held by a FilterSetting.
type FilterKind string

const (
	FilterRateLimit FilterKind = "rate_limit"
	FilterHeader    FilterKind = "header"
	FilterACL       FilterKind = "acl"
)

// PathMatcher is one ACL rule: a comma-separated method set ("*" expands
// to all HTTP methods) and a glob pattern matched against the request
// path with the service prefix already stripped.
type PathMatcher struct {
	Methods string `yaml:"methods" json:"methods"`
	Path    string `yaml:"path" json:"path"`
}

// FilterSetting is a tagged variant: exactly one of the embedded configs
// is meaningful, selected by Kind. Modeled as a flat struct (rather than
// an interface) so it can round-trip through YAML/JSON directly, the way
// the teacher's RouteConfig does for its own nested settings.
type FilterSetting struct {
	Kind FilterKind `yaml:"kind" json:"kind"`

	// RateLimit fields.
	IntervalSeconds int `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
	Limit           int `yaml:"limit,omitempty" json:"limit,omitempty"`
	Burst           int `yaml:"burst,omitempty" json:"burst,omitempty"`

	// Header fields.
	OperateOn string   `yaml:"operate_on,omitempty" json:"operate_on,omitempty"` // "request" | "response"
	Inject    []Header `yaml:"inject,omitempty" json:"inject,omitempty"`
	Remove    []string `yaml:"remove,omitempty" json:"remove,omitempty"`

	// ACL fields.
	AccessControl string        `yaml:"access_control,omitempty" json:"access_control,omitempty"` // "allow" | "deny"
	Match         []PathMatcher `yaml:"match,omitempty" json:"match,omitempty"`
}

// Header is one name/value pair injected by a Header filter.
type Header struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// ServiceLevel is a named bundle of filters selected per client (SLA).
type ServiceLevel struct {
	Name    string          `yaml:"name" json:"name"`
	Filters []FilterSetting `yaml:"filters" json:"filters"`
}

// Upstream is one concrete HTTP origin a service may forward to.
type Upstream struct {
	Target  string `yaml:"target" json:"target"`
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	Weight  int    `yaml:"weight" json:"weight"`
	MaxConn int    `yaml:"max_conn" json:"max_conn"`
}

// LoadBalance enumerates the balancer policies of spec.md §4.4.
type LoadBalance string

const (
	LBRandom LoadBalance = "random"
	LBLoad   LoadBalance = "load"
	LBConn   LoadBalance = "conn"
	LBHash   LoadBalance = "hash"
)

// ServiceInfo is immutable after publish; only a whole-struct replace via
// ServiceUpdate changes it.
type ServiceInfo struct {
	ServiceID      string          `yaml:"service_id" json:"service_id"`
	Path           string          `yaml:"path" json:"path"`
	Protocol       string          `yaml:"protocol" json:"protocol"`
	Auth           AuthKind        `yaml:"auth" json:"auth"`
	Upstreams      []Upstream      `yaml:"upstreams" json:"upstreams"`
	LoadBalance    LoadBalance     `yaml:"load_balance" json:"load_balance"`
	TimeoutMillis  int             `yaml:"timeout_ms" json:"timeout_ms"`
	Filters        []FilterSetting `yaml:"filters" json:"filters"`
	SLA            []ServiceLevel  `yaml:"sla" json:"sla"`
	ErrorThreshold int             `yaml:"error_threshold" json:"error_threshold"`
	ErrorReset     int             `yaml:"error_reset" json:"error_reset"` // seconds
	RetryDelay     int             `yaml:"retry_delay" json:"retry_delay"` // seconds
}

// SLAFilters returns the filter set for the named SLA, or nil if unknown.
func (s ServiceInfo) SLAFilters(name string) []FilterSetting {
	for _, lvl := range s.SLA {
		if lvl.Name == name {
			return lvl.Filters
		}
	}
	return nil
}

// ClientInfo is a per-client catalog entry.
type ClientInfo struct {
	ClientID    string            `yaml:"client_id" json:"client_id"`
	AppKey      string            `yaml:"app_key" json:"app_key"`
	PubKeyPEM   string            `yaml:"pub_key" json:"pub_key"`
	IPWhitelist []string          `yaml:"ip_whitelist" json:"ip_whitelist"`
	Services    map[string]string `yaml:"services" json:"services"` // service_id -> sla name
}

// ConfigUpdateKind tags the ConfigUpdate variant.
type ConfigUpdateKind string

const (
	UpdateService       ConfigUpdateKind = "service_update"
	UpdateServiceRemove ConfigUpdateKind = "service_remove"
	UpdateClient        ConfigUpdateKind = "client_update"
	UpdateClientRemove  ConfigUpdateKind = "client_remove"
	UpdateConfigReady   ConfigUpdateKind = "config_ready"
)

// ConfigUpdate is a single event on the configuration stream (spec.md §3).
type ConfigUpdate struct {
	Kind ConfigUpdateKind

	Service   *ServiceInfo
	ServiceID string // for ServiceRemove

	Client   *ClientInfo
	ClientID string // for ClientRemove

	Ready bool // for ConfigReady
}

// RequestContext is built once by the authenticator and is immutable once
// the pipeline begins running.
type RequestContext struct {
	ServiceID   string
	ClientID    string
	ServicePath string // the matched prefix, e.g. "/weather"
	APIPath     string // the remainder after stripping ServicePath
	SLA         string
	StartTime   time.Time
	RequestID   string

	// ServiceFilters and ClientFilters are keyed by middleware name
	// ("acl", "rate_limit", "header") so each middleware actor looks up
	// only the settings relevant to it.
	ServiceFilters map[string][]FilterSetting
	ClientFilters  map[string][]FilterSetting
}

// AuthResponse is what the authenticator hands back to the request
// handler for one resolved request.
type AuthResponse struct {
	ClientID       string
	ServiceID      string
	SLA            string
	ServiceFilters []FilterSetting
	ClientFilters  []FilterSetting
}

// GatewayConfig is the static startup snapshot (spec.md §3).
type GatewayConfig struct {
	ListenAddr      string       `yaml:"listen_addr"`
	TLSCertPath     string       `yaml:"tls_cert_path"`
	TLSKeyPath      string       `yaml:"tls_key_path"`
	ConfigSourceURL string       `yaml:"config_source_url"`
	Clients         []ClientInfo `yaml:"clients"`
	Services        []ServiceInfo `yaml:"services"`
	AdminKey        string       `yaml:"admin_key"`
}

// GroupFiltersByKind splits a flat filter list into the per-kind buckets
// the middleware catalog expects, keyed by middleware name.
func GroupFiltersByKind(filters []FilterSetting) map[string][]FilterSetting {
	out := map[string][]FilterSetting{
		"acl":        nil,
		"rate_limit": nil,
		"header":     nil,
	}
	for _, f := range filters {
		switch f.Kind {
		case FilterACL:
			out["acl"] = append(out["acl"], f)
		case FilterRateLimit:
			out["rate_limit"] = append(out["rate_limit"], f)
		case FilterHeader:
			out["header"] = append(out["header"], f)
		}
	}
	return out
}
