package logger

import (
	"fmt"

	olog "github.com/oarkflow/log"
)

// OarkLogger emits structured JSON lines through github.com/oarkflow/log.
type OarkLogger struct{}

func NewOarkLogger() OarkLogger { return OarkLogger{} }

func (OarkLogger) Debug(msg string, keyvals ...any) { emit(olog.Debug(), msg, keyvals) }
func (OarkLogger) Info(msg string, keyvals ...any)  { emit(olog.Info(), msg, keyvals) }
func (OarkLogger) Error(msg string, keyvals ...any) { emit(olog.Error(), msg, keyvals) }

func emit(e *olog.Entry, msg string, keyvals []any) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			e = e.Str(key, v)
		case bool:
			e = e.Bool(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case float64:
			e = e.Float64(key, v)
		case error:
			e = e.Str(key, v.Error())
		default:
			e = e.Any(key, v)
		}
	}
	e.Msg(msg)
}
