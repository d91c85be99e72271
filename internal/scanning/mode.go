package scanning

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Mode selects what a sweep enumerates. It is chosen once at startup and
// does not change for the lifetime of the process.
type Mode int

const (
	// ModeDiscovery enumerates the whole configured address space.
	ModeDiscovery Mode = iota
	// ModeRescan re-verifies hosts that are already known.
	ModeRescan
)

var _ pflag.Value = (*Mode)(nil)

// ParseMode accepts "discovery", "rescan" and its alias "verify".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "discovery":
		return ModeDiscovery, nil
	case "rescan", "verify":
		return ModeRescan, nil
	default:
		return ModeDiscovery, fmt.Errorf("unknown mode %q (want discovery or rescan)", s)
	}
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeDiscovery:
		return "discovery"
	case ModeRescan:
		return "rescan"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Set implements pflag.Value.
func (m *Mode) Set(s string) error {
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Type implements pflag.Value.
func (m *Mode) Type() string {
	return "mode"
}

// UnmarshalText lets modes appear in configuration files.
func (m *Mode) UnmarshalText(text []byte) error {
	return m.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
