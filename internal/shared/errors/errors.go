package errors

import "errors"

// Domain errors
var (
	// Site errors
	ErrSiteNotFound   = errors.New("site not found")
	ErrSiteInactive   = errors.New("site is not active")
	ErrInvalidCadence = errors.New("invalid scan cadence")
	ErrUserNotFound   = errors.New("site owner not found")

	// Scan errors
	ErrScanNotFound        = errors.New("scan not found")
	ErrInvalidTransition   = errors.New("invalid scan status transition")
	ErrScoreOutOfRange     = errors.New("score must be between 0 and 100")
	ErrEmptySiteID         = errors.New("site ID cannot be empty")
	ErrScanAlreadyFinished = errors.New("scan already finished")

	// Queue errors
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidCronPattern = errors.New("invalid cron pattern")
	ErrBrokerClosed       = errors.New("broker closed")

	// Repository errors
	ErrRepositoryOperation   = errors.New("repository operation failed")
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
