package testutil

import (
	"encoding/json"
	"fmt"
)

// TelemetryBody renders a single-message request body. Metrics may be nil.
func TelemetryBody(siteID string, seq int, metrics map[string]any) []byte {
	body := map[string]any{"site_id": siteID, "seq": seq}
	if metrics != nil {
		body["metrics"] = metrics
	}
	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal telemetry body: %v", err))
	}
	return data
}

// BatchItem is one element of a batch ingest body.
type BatchItem struct {
	TenantID       string         `json:"tenant_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	MsgType        string         `json:"msg_type,omitempty"`
	ProvisionToken string         `json:"provision_token,omitempty"`
	SiteID         string         `json:"site_id,omitempty"`
	Seq            int            `json:"seq,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
}

// BatchBody renders {"messages": items}.
func BatchBody(items ...BatchItem) []byte {
	data, err := json.Marshal(map[string]any{"messages": items})
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal batch body: %v", err))
	}
	return data
}
