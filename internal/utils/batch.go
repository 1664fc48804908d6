package utils

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
}

type downloadList struct {
	Entries []DownloadEntry `yaml:"downloads"`
}

// ReadDownloadList parses a YAML batch file of {link, op} entries.
func ReadDownloadList(path string) ([]DownloadEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading list file: %v", err)
	}
	var list downloadList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("error parsing list file: %v", err)
	}
	if len(list.Entries) == 0 {
		return nil, fmt.Errorf("no download entries in %s", path)
	}
	for i, entry := range list.Entries {
		if entry.URL == "" {
			return nil, fmt.Errorf("entry %d has no link", i)
		}
	}
	return list.Entries, nil
}
