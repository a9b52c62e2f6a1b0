package firmware

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the firmware verdict for a node.
type Status int

const (
	Current Status = iota
	NewVersionAvailable
	LoadFirmware
	UpdateRequired
)

var statusText = map[Status]string{
	Current:             "Current",
	NewVersionAvailable: "New version available",
	LoadFirmware:        "Load firmware",
	UpdateRequired:      "Update required",
}

var statusKeys = map[Status]string{
	Current:             "current",
	NewVersionAvailable: "new_version_available",
	LoadFirmware:        "load_firmware",
	UpdateRequired:      "update_required",
}

// Display returns the human readable text for s.
func (s Status) Display() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// String returns the machine key used in JSON and MQTT payloads.
func (s Status) String() string {
	if k, ok := statusKeys[s]; ok {
		return k
	}
	return fmt.Sprintf("status_%d", int(s))
}

// ParseStatus is the inverse of String.
func ParseStatus(key string) (Status, error) {
	for s, k := range statusKeys {
		if k == key {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown firmware status %q", ErrInvalidArgument, key)
}

// versionComponents is the fixed component count versions are compared at.
const versionComponents = 3

// NormalizeVersion pads or truncates a dotted version to three components.
// Empty components become "0".
func NormalizeVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.Split(v, ".")
	out := make([]string, versionComponents)
	for i := range out {
		out[i] = "0"
		if i < len(parts) {
			if p := strings.TrimSpace(parts[i]); p != "" {
				out[i] = p
			}
		}
	}
	return strings.Join(out, ".")
}

// CompareVersions orders two versions after normalization. Numeric
// components compare numerically, others lexically. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	pa := strings.Split(NormalizeVersion(a), ".")
	pb := strings.Split(NormalizeVersion(b), ".")
	for i := 0; i < versionComponents; i++ {
		if c := compareComponent(pa[i], pb[i]); c != 0 {
			return c
		}
	}
	return 0
}

func compareComponent(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		// numeric sorts before non-numeric
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}
