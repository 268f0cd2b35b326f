package transfer

import "errors"

var (
	// ErrDuplicateRetry indicates both peers retried the same transfer and this
	// request lost the tie-break.
	ErrDuplicateRetry = errors.New("transfer: duplicate retry")
	// ErrLockedOut indicates the (peer, transfer) scope is inside a lockout window.
	ErrLockedOut = errors.New("transfer: retries locked out")
	// ErrStalled indicates the transfer stopped making progress.
	ErrStalled = errors.New("transfer: stalled")
	// ErrCancelled indicates the transfer was cancelled.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrRetryLimitExceeded indicates the configured retry limit was exhausted.
	ErrRetryLimitExceeded = errors.New("transfer: retry limit exceeded")
	// ErrAlreadyExists indicates an inbound file name collides with a local file.
	ErrAlreadyExists = errors.New("transfer: file already exists")
	// ErrInvalidFileName indicates a file name that is empty or not a plain base name.
	ErrInvalidFileName = errors.New("transfer: invalid file name")
	// ErrFolderNotFound indicates the target folder does not exist.
	ErrFolderNotFound = errors.New("transfer: folder not found")
	// ErrFileNotFound indicates the requested file does not exist.
	ErrFileNotFound = errors.New("transfer: file not found")
	// ErrTransferNotFound indicates an unknown transfer id.
	ErrTransferNotFound = errors.New("transfer: transfer not found")
	// ErrInvalidState indicates the operation is not allowed in the current status.
	ErrInvalidState = errors.New("transfer: invalid state for operation")
	// ErrChecksumMismatch indicates the received file does not match the sender's checksum.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrResponseCodeMismatch indicates an acknowledgement did not echo the request's code.
	ErrResponseCodeMismatch = errors.New("transfer: response code mismatch")
)
