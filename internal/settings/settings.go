// Package settings parses the admin-editable key/value settings into an
// immutable, versioned Snapshot. Controller operations load one Snapshot at
// their start and never read settings again mid-operation.
package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	KeyMaxContainerCount = "max_container_count"
	KeyMaxRenewCount     = "max_renew_count"
	KeyTimeout           = "docker_timeout"
	KeyFrequencyLimit    = "frequency_limit"
	KeyPortMin           = "direct_port_minimum"
	KeyPortMax           = "direct_port_maximum"
	KeyDirectIP          = "direct_ip_address"
	KeyHTTPDomainSuffix  = "http_domain_suffix"
	KeyHTTPPort          = "http_port"
	KeyFlagPrefix        = "flag_prefix"
	KeyFlagSuffix        = "flag_suffix"
)

// Defaults are applied for keys that were never saved.
func Defaults() map[string]string {
	return map[string]string{
		KeyMaxContainerCount: "100",
		KeyMaxRenewCount:     "5",
		KeyTimeout:           "3600",
		KeyFrequencyLimit:    "60",
		KeyPortMin:           "10000",
		KeyPortMax:           "10100",
		KeyDirectIP:          "",
		KeyHTTPDomainSuffix:  "",
		KeyHTTPPort:          "80",
		KeyFlagPrefix:        "flag{",
		KeyFlagSuffix:        "}",
	}
}

type Snapshot struct {
	Version           int64
	MaxContainerCount int
	MaxRenewCount     int
	Timeout           time.Duration
	FrequencyLimit    time.Duration
	PortMin           int
	PortMax           int
	DirectIP          string
	HTTPDomainSuffix  string
	HTTPPort          int
	FlagPrefix        string
	FlagSuffix        string
}

// Parse builds a Snapshot from raw values layered over Defaults.
func Parse(raw map[string]string, version int64) (Snapshot, error) {
	merged := Defaults()
	for k, v := range raw {
		merged[k] = v
	}
	s := Snapshot{
		Version:          version,
		DirectIP:         merged[KeyDirectIP],
		HTTPDomainSuffix: merged[KeyHTTPDomainSuffix],
		FlagPrefix:       merged[KeyFlagPrefix],
		FlagSuffix:       merged[KeyFlagSuffix],
	}
	ints := []struct {
		key   string
		dst   *int
		floor int
	}{
		{KeyMaxContainerCount, &s.MaxContainerCount, 0},
		{KeyMaxRenewCount, &s.MaxRenewCount, 0},
		{KeyPortMin, &s.PortMin, 1},
		{KeyPortMax, &s.PortMax, 1},
		{KeyHTTPPort, &s.HTTPPort, 1},
	}
	for _, f := range ints {
		v, err := parseInt(merged, f.key, f.floor)
		if err != nil {
			return Snapshot{}, err
		}
		*f.dst = v
	}
	timeout, err := parseInt(merged, KeyTimeout, 1)
	if err != nil {
		return Snapshot{}, err
	}
	s.Timeout = time.Duration(timeout) * time.Second
	freq, err := parseInt(merged, KeyFrequencyLimit, 0)
	if err != nil {
		return Snapshot{}, err
	}
	s.FrequencyLimit = time.Duration(freq) * time.Second

	if s.PortMax > 65535 {
		return Snapshot{}, fmt.Errorf("%s must be <= 65535", KeyPortMax)
	}
	if s.PortMin > s.PortMax {
		return Snapshot{}, fmt.Errorf("%s cannot exceed %s", KeyPortMin, KeyPortMax)
	}
	return s, nil
}

// Validate checks a partial update against the current values without
// persisting anything.
func Validate(current, update map[string]string) error {
	merged := make(map[string]string, len(current)+len(update))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range update {
		if _, known := Defaults()[k]; !known {
			return fmt.Errorf("unknown setting %q", k)
		}
		merged[k] = v
	}
	_, err := Parse(merged, 0)
	return err
}

func (s Snapshot) PortRangeChanged(other Snapshot) bool {
	return s.PortMin != other.PortMin || s.PortMax != other.PortMax
}

func (s Snapshot) PortRangeSize() int {
	return s.PortMax - s.PortMin + 1
}

// Remaining is the time left before expiry, never negative.
func (s Snapshot) Remaining(start, now time.Time) time.Duration {
	left := s.Timeout - now.Sub(start)
	if left < 0 {
		return 0
	}
	return left
}

func (s Snapshot) Expired(start, now time.Time) bool {
	return now.Sub(start) >= s.Timeout
}

func parseInt(m map[string]string, key string, floor int) (int, error) {
	raw := strings.TrimSpace(m[key])
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: invalid integer %q", key, raw)
	}
	if v < floor {
		return 0, fmt.Errorf("setting %s: must be >= %d", key, floor)
	}
	return v, nil
}
