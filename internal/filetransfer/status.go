package filetransfer

import (
	"fmt"

	"github.com/juju/errors"
)

// Status is reported to the platform in file transfer status messages.
type Status string

const (
	StatusFileTransfer Status = "FILE_TRANSFER" // non-terminal, internal
	StatusFileReady    Status = "FILE_READY"
	StatusAborted      Status = "ABORTED"
	StatusError        Status = "ERROR"
)

var (
	ErrSessionNotRunning   = fmt.Errorf("file transfer session is not running")
	ErrInvalidPacket       = fmt.Errorf("invalid chunk packet")
	ErrSizeMismatch        = fmt.Errorf("chunk size does not match request")
	ErrRetryCountExceeded  = fmt.Errorf("retry count exceeded")
	ErrFileHashMismatch    = fmt.Errorf("file hash mismatch")
	ErrMalformedURL        = fmt.Errorf("malformed url")
	ErrUnspecified         = fmt.Errorf("unspecified error")
	ErrProtocolDisabled    = fmt.Errorf("transfer protocol disabled")
	ErrUnsupportedFileSize = fmt.Errorf("unsupported file size")
	ErrFileSystem          = fmt.Errorf("file system error")
)

// ErrorCode maps an error to its wire name. Unknown errors are UNSPECIFIED_ERROR.
func ErrorCode(e error) string {
	if e == nil {
		return ""
	}
	switch errors.Cause(e) {
	case ErrRetryCountExceeded:
		return "RETRY_COUNT_EXCEEDED"
	case ErrFileHashMismatch:
		return "FILE_HASH_MISMATCH"
	case ErrMalformedURL:
		return "MALFORMED_URL"
	case ErrProtocolDisabled:
		return "TRANSFER_PROTOCOL_DISABLED"
	case ErrUnsupportedFileSize:
		return "UNSUPPORTED_FILE_SIZE"
	case ErrFileSystem:
		return "FILE_SYSTEM_ERROR"
	}
	return "UNSPECIFIED_ERROR"
}

type State int32

const (
	StateInProgress State = iota
	StateSucceeded
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in-progress"
	case StateSucceeded:
		return "succeeded"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) Status() Status {
	switch s {
	case StateInProgress:
		return StatusFileTransfer
	case StateSucceeded:
		return StatusFileReady
	case StateAborted:
		return StatusAborted
	}
	return StatusError
}
