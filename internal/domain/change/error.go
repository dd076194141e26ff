package change

import "errors"

var (
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidChoice     = errors.New("invalid resolution choice")
	ErrInvalidChange     = errors.New("invalid change record")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("entity already exists")

	// ErrUnauthorized фатальна для текущего цикла и не повторяется
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransient сетевая или серверная ошибка, повторяется через очередь
	ErrTransient = errors.New("transient remote error")
	// ErrRejected удаленная сторона отклонила запрос
	ErrRejected = errors.New("rejected by remote")

	ErrChecksumMismatch = errors.New("checksum_mismatch")
	ErrPermanentFailure = errors.New("permanent failure")
)

// IsRetryable сообщает, имеет ли смысл повторять операцию
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrRejected) {
		return false
	}
	return true
}
