package channel

import (
	"bytes"
	"fmt"
	"strings"
)

// Level is the severity attached to an outbound alert.
// Transports may use it for presentation, routing never branches on it.
type Level int

const (
	OK Level = iota
	Info
	Warning
	Critical
	maxLevel
)

const levelStrings = "OKINFOWARNINGCRITICAL"

var levelBytes = []byte(levelStrings)

var levelOffsets = []int{0, 2, 6, 13, 21}

func (l Level) String() string {
	if l < maxLevel {
		return levelStrings[levelOffsets[l]:levelOffsets[l+1]]
	}
	return "unknown"
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	idx := bytes.Index(levelBytes, text)
	if idx >= 0 {
		for i := 0; i < int(maxLevel); i++ {
			if idx == levelOffsets[i] {
				*l = Level(i)
				return nil
			}
		}
	}

	return fmt.Errorf("unknown alert level '%s'", text)
}

func ParseLevel(s string) (l Level, err error) {
	err = l.UnmarshalText([]byte(strings.ToUpper(s)))
	return
}

// MetadataLevel reads the severity recorded in alert metadata,
// returning Info when the key is absent or unparseable.
func MetadataLevel(metadata map[string]string) Level {
	s, ok := metadata["severity"]
	if !ok {
		return Info
	}
	l, err := ParseLevel(s)
	if err != nil {
		return Info
	}
	return l
}
