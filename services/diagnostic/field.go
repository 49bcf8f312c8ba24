package diagnostic

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Field is the structured field type handlers attach to log entries.
type Field = zap.Field

func String(key, value string) Field {
	return zap.String(key, value)
}

func Strings(key string, values []string) Field {
	return zap.Strings(key, values)
}

func Stringer(key string, value fmt.Stringer) Field {
	return zap.Stringer(key, value)
}

func Int(key string, value int) Field {
	return zap.Int(key, value)
}

func Int64(key string, value int64) Field {
	return zap.Int64(key, value)
}

func Float64(key string, value float64) Field {
	return zap.Float64(key, value)
}

func Bool(key string, value bool) Field {
	return zap.Bool(key, value)
}

func Duration(key string, value time.Duration) Field {
	return zap.Duration(key, value)
}

func Time(key string, value time.Time) Field {
	return zap.Time(key, value)
}

func Error(err error) Field {
	return zap.Error(err)
}

// Stack captures the stack of the calling goroutine.
func Stack() Field {
	return zap.Stack("stack")
}
