package errors

import "errors"

var (
	// Poll cycle errors
	ErrConnectivity     = errors.New("counter provider unreachable")
	ErrCorrelationBuild = errors.New("process correlation unavailable")
	ErrQueryExecution   = errors.New("query execution failed")
	ErrRowMissingName   = errors.New("row has no instance name")
	ErrRowValue         = errors.New("invalid counter value")

	// Provider errors
	ErrUnsupportedPlatform = errors.New("provider not supported on this platform")
	ErrUnknownCounter      = errors.New("unknown category or counter")
	ErrRemoteHost          = errors.New("host provider only samples the local host")

	// Configuration errors
	ErrNoAgents            = errors.New("no agents configured")
	ErrEmptyCounterList    = errors.New("'counterlist' is empty. Do you have a 'config/plugin.json' file?")
	ErrInvalidCounterQuery = errors.New("invalid counter query")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrUnknownProvider     = errors.New("unknown counter provider")

	// Sink errors
	ErrMetricNotFound     = errors.New("metric not found")
	ErrPublishFailed      = errors.New("publishing metrics failed")
	ErrDatabaseConnection = errors.New("database connection failed")
	ErrTransactionFailed  = errors.New("transaction failed")
)
