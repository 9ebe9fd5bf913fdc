package core

// Logger is any service that can log messages.
// expected args fmt: error | LogFields
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// LogFields are extra key/values attached to a log entry.
type LogFields map[string]interface{}
