package credential

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

// FileStore serves credentials from a static YAML registry:
//
//	devices:
//	  - tenant_id: t1
//	    device_id: dev-0001
//	    token_hash: 9f86d0...
//	    site_id: lab-1
//	    status: ACTIVE
type FileStore struct {
	records map[string]Record
}

type fileDevice struct {
	TenantID string `yaml:"tenant_id"`
	DeviceID string `yaml:"device_id"`
	Record   `yaml:",inline"`
}

// LoadFileStore parses the registry at path.
func LoadFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "Load", "read registry")
	}
	return ParseFileStore(data)
}

// ParseFileStore parses registry YAML.
func ParseFileStore(data []byte) (*FileStore, error) {
	var doc struct {
		Devices []fileDevice `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "FileStore", "Parse", "decode yaml")
	}

	records := make(map[string]Record, len(doc.Devices))
	for i, d := range doc.Devices {
		if d.TenantID == "" || d.DeviceID == "" || d.TokenHash == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("device %d: tenant_id, device_id and token_hash are required", i),
				"FileStore", "Parse", "validate device")
		}
		rec := d.Record
		rec.Status = ParseStatus(string(rec.Status))
		if d.Record.Status == "" {
			rec.Status = StatusActive
		}
		records[cacheKey(d.TenantID, d.DeviceID)] = rec
	}
	return &FileStore{records: records}, nil
}

// Lookup implements Store.
func (s *FileStore) Lookup(_ context.Context, tenantID, deviceID string) (Record, error) {
	rec, ok := s.records[cacheKey(tenantID, deviceID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Len returns the number of registered devices.
func (s *FileStore) Len() int {
	return len(s.records)
}
