package dcb

import "fmt"

// IsolationLevel is a type-safe enum over the Postgres transaction
// isolation levels the store adapter supports.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolationLevel parses the Postgres isolation level name.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// EventStoreConfig configures the Postgres event store adapter.
type EventStoreConfig struct {
	MaxBatchSize           int            `env:"DCB_MAX_BATCH_SIZE" envDefault:"1000"`
	StreamBuffer           int            `env:"DCB_STREAM_BUFFER" envDefault:"1000"`
	DefaultAppendIsolation IsolationLevel `env:"-"`
	QueryTimeoutMs         int            `env:"DCB_QUERY_TIMEOUT_MS" envDefault:"15000"`
	AppendTimeoutMs        int            `env:"DCB_APPEND_TIMEOUT_MS" envDefault:"10000"`
}

// DefaultEventStoreConfig returns the adapter defaults, with append
// isolation at serializable: every mutation runs in a serializable
// transaction.
func DefaultEventStoreConfig() EventStoreConfig {
	return EventStoreConfig{
		MaxBatchSize:           1000,
		StreamBuffer:           1000,
		DefaultAppendIsolation: IsolationLevelSerializable,
		QueryTimeoutMs:         15000,
		AppendTimeoutMs:        10000,
	}
}

// RetryConfig configures the DCB retry helper (dcbexec.WithDCBRetry).
type RetryConfig struct {
	MaxAttempts      int     `env:"DCB_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	InitialBackoffMs int64   `env:"DCB_RETRY_INITIAL_BACKOFF_MS" envDefault:"100"`
	Base             float64 `env:"DCB_RETRY_BASE" envDefault:"2"`
	MaxBackoffMs     int64   `env:"DCB_RETRY_MAX_BACKOFF_MS" envDefault:"30000"`
}

// DefaultRetryConfig returns the stock exponential-backoff settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, Base: 2, MaxBackoffMs: 30000}
}

// DurableExecutorConfig configures the durable executor's intent bracketing.
type DurableExecutorConfig struct {
	TimeoutMs     int64 `env:"DURABLE_INTENT_TIMEOUT_MS" envDefault:"300000"`
	EnableIntents bool  `env:"DURABLE_ENABLE_INTENTS" envDefault:"true"`
}

// DefaultDurableExecutorConfig returns the 5-minute default intent timeout.
func DefaultDurableExecutorConfig() DurableExecutorConfig {
	return DurableExecutorConfig{TimeoutMs: 5 * 60 * 1000, EnableIntents: true}
}
