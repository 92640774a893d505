package probe

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// hostsFile is the on-disk inventory format:
//
//	hosts:
//	  - addr: 10.0.0.2
//	  - addr: 10.0.0.3
//	    port: 2222
//	    user: admin
//	    key_file: /etc/presence-bridge/ap3.key
type hostsFile struct {
	Hosts []HostEntry `yaml:"hosts"`
}

// LoadHostsFile reads the YAML host inventory.
func LoadHostsFile(path string) ([]HostEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hosts file %s: %w", path, err)
	}
	var parsed hostsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing hosts file %s: %w", path, err)
	}
	for i, entry := range parsed.Hosts {
		if strings.TrimSpace(entry.Addr) == "" {
			return nil, fmt.Errorf("hosts file %s: entry %d has no addr", path, i)
		}
	}
	return parsed.Hosts, nil
}

// ParseHostList splits the AP_HOSTS comma list into inventory entries.
func ParseHostList(list string) []HostEntry {
	var entries []HostEntry
	for _, part := range strings.Split(list, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		entries = append(entries, HostEntry{Addr: addr})
	}
	return entries
}
