package configbus

import (
	"encoding/json"
	"fmt"

	"github.com/3xpluto/edgeway/internal/model"
)

// wireUpdate is the JSON envelope used by the websocket backend (the
// kv-watch backend decodes ServiceInfo/ClientInfo values directly) —
// model.ConfigUpdate itself is not JSON-tagged because its
// Go-native shape (tagged union via a Kind field plus pointers) is
// awkward to hand-author on the wire; wireUpdate gives producers a flat,
// explicit shape to serialize one of five update kinds into.
type wireUpdate struct {
	Kind      model.ConfigUpdateKind `json:"kind"`
	Service   *model.ServiceInfo     `json:"service,omitempty"`
	ServiceID string                 `json:"service_id,omitempty"`
	Client    *model.ClientInfo      `json:"client,omitempty"`
	ClientID  string                 `json:"client_id,omitempty"`
	Ready     bool                   `json:"ready,omitempty"`
}

func decodeWireUpdate(b []byte) (model.ConfigUpdate, error) {
	var w wireUpdate
	if err := json.Unmarshal(b, &w); err != nil {
		return model.ConfigUpdate{}, fmt.Errorf("decode config update: %w", err)
	}
	return model.ConfigUpdate{
		Kind:      w.Kind,
		Service:   w.Service,
		ServiceID: w.ServiceID,
		Client:    w.Client,
		ClientID:  w.ClientID,
		Ready:     w.Ready,
	}, nil
}
