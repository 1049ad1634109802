package gateway

import (
	"errors"

	"github.com/ICE6332/MineCompanion-WebUI/internal/registry"
)

var (
	ErrParse              = errors.New("gateway: frame is not valid JSON")
	ErrProtocol           = errors.New("gateway: frame is not a protocol message")
	ErrRateLimited        = errors.New("gateway: rate limited")
	ErrUnknownMessageType = errors.New("gateway: unknown message type")
	ErrHandlerFailure     = errors.New("gateway: handler failed")

	// ErrConnectionUnavailable is returned when no live mod connection can
	// take a push.
	ErrConnectionUnavailable = registry.ErrUnavailable

	// errWriteFailed ends the session loop.
	errWriteFailed = errors.New("gateway: write failed")
)
