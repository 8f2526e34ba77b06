package enr

import (
	"fmt"
	"os"
	"strings"
)

// Bootstrap source sentinels.
const (
	BootstrapNone    = "none"
	BootstrapDefault = "default"
)

// defaultBootstrap holds the built-in record sets per network. Devnets run
// with static peers supplied by the operator, so their built-in set is empty.
var defaultBootstrap = map[string][]string{
	"devnet": {},
}

// DefaultRecords returns the built-in bootstrap set for a named network.
func DefaultRecords(network string) ([]*Record, error) {
	encoded, ok := defaultBootstrap[network]
	if !ok {
		return nil, fmt.Errorf("no built-in bootstrap set for network %q", network)
	}
	return decodeAll(encoded)
}

// ParseBootstrap resolves a bootstrap source into verified records. The
// source is one of: "none", "default", a path to a file with one encoded
// record per line, or a comma-delimited list of encoded records.
//
// Parsing fails closed: one bad record rejects the entire set.
func ParseBootstrap(source, network string) ([]*Record, error) {
	switch strings.TrimSpace(source) {
	case "", BootstrapNone:
		return nil, nil
	case BootstrapDefault:
		return DefaultRecords(network)
	}

	if info, err := os.Stat(source); err == nil && !info.IsDir() {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read bootstrap file %s: %w", source, err)
		}
		var lines []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
		}
		records, err := decodeAll(lines)
		if err != nil {
			return nil, fmt.Errorf("bootstrap file %s: %w", source, err)
		}
		return records, nil
	}

	return decodeAll(strings.Split(source, ","))
}

func decodeAll(encoded []string) ([]*Record, error) {
	records := make([]*Record, 0, len(encoded))
	for _, s := range encoded {
		rec, err := DecodeText(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
	return records, nil
}
