package config

import (
	"encoding/json"
	"fmt"
	"time"

	"quorumchain/pkg/utils"
)

// Duration accepts "10s" style strings in both JSON and TOML.
type Duration time.Duration

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// DataSize accepts a byte count or a human-friendly string like "64KB".
type DataSize int64

// Bytes returns the size in bytes.
func (s DataSize) Bytes() int64 { return int64(s) }

func (s DataSize) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", int64(s))), nil
}

func (s *DataSize) UnmarshalText(text []byte) error {
	n, err := utils.ParseDataSize(string(text))
	if err != nil {
		return err
	}
	*s = DataSize(n)
	return nil
}

// UnmarshalJSON takes either a JSON number or a string.
func (s *DataSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = DataSize(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("data size must be a number or string")
	}
	return s.UnmarshalText([]byte(str))
}
