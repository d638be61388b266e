package mesh

import (
	"errors"

	"signalmesh/internal/admission"
	"signalmesh/internal/proto"
)

var (
	ErrNoRouteFound   = errors.New("no route found")
	ErrHandlerMissing = errors.New("handler missing")
	ErrClosed         = errors.New("engine closed")

	ErrInvalidMessage = proto.ErrInvalidMessage
	ErrDecodingFailed = proto.ErrDecodingFailed

	ErrFloodBlocked      = admission.ErrFloodBlocked
	ErrDuplicateMessage  = admission.ErrDuplicateMessage
	ErrRateLimitExceeded = admission.ErrRateLimitExceeded
	ErrSystemOverload    = admission.ErrSystemOverload
)

// Kind is re-exported so callers of the engine need not import proto.
type Kind = proto.Kind
