package enum

// LogLevel is the severity of a DeploymentLog entry (spec §3).
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Values returns all possible LogLevel values.
func (LogLevel) Values() []string {
	return []string{
		string(LogLevelInfo),
		string(LogLevelWarn),
		string(LogLevelError),
	}
}
