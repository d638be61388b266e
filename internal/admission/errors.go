package admission

import "errors"

var (
	ErrFloodBlocked      = errors.New("flood blocked")
	ErrDuplicateMessage  = errors.New("duplicate message")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrSystemOverload    = errors.New("system overload")
	ErrInternal          = errors.New("internal admission failure")
)
