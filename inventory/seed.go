package inventory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/sensorlink/errors"
)

// seedFile is the YAML layout of a device seed list:
//
//	devices:
//	  - address: "24:6F:28:C4:76:98"
//	    name: AirBeam3
//	    kind: stream
//	    target_state: CONNECTED
type seedFile struct {
	Devices []Device `yaml:"devices"`
}

// ParseSeed decodes a YAML seed list
func ParseSeed(data []byte) ([]Device, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapInvalid(err, "inventory", "ParseSeed", "decode YAML")
	}
	seen := make(map[string]bool, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		d.Address = NormalizeAddress(d.Address)
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		if seen[d.Address] {
			return nil, errors.WrapInvalid(fmt.Errorf("duplicate address %s", d.Address),
				"inventory", "ParseSeed", "duplicate check")
		}
		seen[d.Address] = true
		// Observed state is never seeded
		d.ActualState = StateNone
	}
	return f.Devices, nil
}

// LoadSeedFile reads a YAML seed list and stores every device not already
// present. Existing records keep their state. Returns the number added.
func LoadSeedFile(ctx context.Context, store Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.WrapInvalid(err, "inventory", "LoadSeedFile", "read seed file")
	}
	devices, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, d := range devices {
		_, err := store.Get(ctx, d.Address)
		if err == nil {
			continue
		}
		if !errors.Is(err, errors.ErrKeyNotFound) {
			return added, err
		}
		if err := store.Put(ctx, d); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
