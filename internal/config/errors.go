package config

import "errors"

var (
	// ErrEmptyRootDir is returned when no shared root directory is configured
	ErrEmptyRootDir = errors.New("root_dir cannot be empty")
	// ErrEmptyBaseURL is returned when the source site is not configured
	ErrEmptyBaseURL = errors.New("source.base_url cannot be empty")
	// ErrInvalidBaseURL is returned when the source base URL has no host
	ErrInvalidBaseURL = errors.New("source.base_url must be an absolute URL")
	// ErrInvalidPageSize is returned when page_size is not greater than 0
	ErrInvalidPageSize = errors.New("source.page_size must be greater than 0")
	// ErrInvalidTotalItems is returned when total_items is negative
	ErrInvalidTotalItems = errors.New("source.total_items cannot be negative")
	// ErrInvalidTimeout is returned when request timeout is not greater than 0
	ErrInvalidTimeout = errors.New("source.request_timeout must be greater than 0")
	// ErrInvalidRate is returned when requests_per_second is negative
	ErrInvalidRate = errors.New("source.requests_per_second cannot be negative")
	// ErrInvalidConcurrency is returned when a stage concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrInvalidDelay is returned when a request delay is negative
	ErrInvalidDelay = errors.New("request_delay cannot be negative")
	// ErrInvalidGatePoll is returned when a gate poll interval is not greater than 0
	ErrInvalidGatePoll = errors.New("gate_poll_interval must be greater than 0")
	// ErrInvalidGateTimeout is returned when a gate timeout is not greater than 0
	ErrInvalidGateTimeout = errors.New("gate_timeout must be greater than 0")
	// ErrNoRequiredFields is returned when the validation rule set has no required fields
	ErrNoRequiredFields = errors.New("validation.required_fields cannot be empty")
	// ErrInvalidMediaBounds is returned when media dimensions are not positive
	ErrInvalidMediaBounds = errors.New("media.max_width and media.max_height must be greater than 0")
	// ErrInvalidMediaQuality is returned when the JPEG quality is out of range
	ErrInvalidMediaQuality = errors.New("media.quality must be between 1 and 100")
	// ErrInvalidHeader is returned when a static header is not in "Name: Value" form
	ErrInvalidHeader = errors.New("source.headers entries must use 'Name: Value' format")
)
