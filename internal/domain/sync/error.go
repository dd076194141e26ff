package sync

import "errors"

var (
	ErrNotAuthenticated = errors.New("user not authenticated")
	ErrForbidden        = errors.New("request does not belong to user")
	ErrDeviceRequired   = errors.New("device id is required")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrAlreadyResolved  = errors.New("conflict already resolved")
	ErrMetadataNotFound = errors.New("sync metadata not found")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrCollision        = errors.New("change collides with latest version")
)
