package configbus

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// FromURL picks a Source implementation by URL scheme (spec.md §6):
// file:///path, ws://..., wss://..., etcd://host/prefix. Anything else is
// treated as a local file path.
func FromURL(raw string, log *slog.Logger) (Source, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return &FileSource{Path: raw}, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return &FileSource{Path: u.Path}, nil
	case "ws", "wss":
		return &WebSocketSource{URL: raw, Log: log}, nil
	case "etcd":
		prefix := strings.TrimPrefix(u.Path, "/")
		if prefix == "" {
			prefix = "gateway/"
		} else if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		endpoint := u.Host
		if endpoint == "" {
			return nil, fmt.Errorf("etcd config source URL missing host: %q", raw)
		}
		return &EtcdSource{Endpoints: []string{endpoint}, Prefix: prefix, Log: log}, nil
	default:
		return &FileSource{Path: raw}, nil
	}
}
