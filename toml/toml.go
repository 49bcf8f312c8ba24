// Package toml adds types for fields of TOML configuration structs that
// encoding/toml cannot represent directly.
package toml

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that marshals as a duration string, "10s" or "1m30s".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", string(text), err)
	}
	*d = Duration(v)
	return nil
}
