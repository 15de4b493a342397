// Package device resolves the compute devices a run may place tensors on.
//
// Only general-purpose processors are available to this module. A device
// string names a kind and an optional ordinal ("cpu", "cpu:1"); ordinals map to
// logical CPUs so that replication can run one worker per device.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// ErrUnavailable is returned when a requested device does not exist on this host.
var ErrUnavailable = errors.New("device unavailable")

// Kind identifies a class of compute device.
type Kind string

const (
	// CPU is the general-purpose processing device and the only fallback.
	CPU Kind = "cpu"
)

// Device is a single placement target.
type Device struct {
	Kind  Kind
	Index int
}

// Default returns the device used when nothing was requested.
func Default() Device {
	return Device{Kind: CPU}
}

// String renders the device in the same form Parse accepts.
func (d Device) String() string {
	if d.Kind == "" {
		return string(CPU)
	}
	if d.Index == 0 {
		return string(d.Kind)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// IsZero reports whether the device was never set.
func (d Device) IsZero() bool {
	return d.Kind == "" && d.Index == 0
}

// Parse reads a single device string such as "cpu" or "cpu:3".
func Parse(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Default(), nil
	}

	kind, ordinal, hasOrdinal := strings.Cut(s, ":")
	d := Device{Kind: Kind(kind)}
	if hasOrdinal {
		idx, err := strconv.Atoi(ordinal)
		if err != nil || idx < 0 {
			return Device{}, fmt.Errorf("invalid device ordinal %q", s)
		}
		d.Index = idx
	}

	if err := Check(d); err != nil {
		return Device{}, err
	}
	return d, nil
}

// ParseList reads a comma separated device list. An empty list falls back to
// the default device.
func ParseList(s string) ([]Device, error) {
	var devices []Device
	seen := make(map[Device]struct{})
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		d, err := Parse(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[d]; dup {
			return nil, fmt.Errorf("device %s listed twice", d)
		}
		seen[d] = struct{}{}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		devices = []Device{Default()}
	}
	return devices, nil
}

// Check verifies that the device is present on this host.
func Check(d Device) error {
	switch d.Kind {
	case CPU:
		if d.Index >= runtime.NumCPU() {
			return fmt.Errorf("%w: %s (host has %d logical CPUs)", ErrUnavailable, d, runtime.NumCPU())
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, d)
	}
}
