package logger

// NopLogger discards everything. It is the default for library users who
// do not opt in to logging.
type NopLogger struct{}

// NewNopLogger creates a logger that discards all output.
func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}
