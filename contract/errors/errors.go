package errors

import "fmt"

// Error codes for the transmitter contracts. Keep stable; used across adapters and router.
const (
	ErrCodeInvalidReceiver     = "transmitter.invalid_receiver"
	ErrCodeHostRequired        = "transmitter.host_required"
	ErrCodeClosed              = "transmitter.closed"
	ErrCodeHandlerNotFound     = "transmitter.handler_not_found"
	ErrCodePublishFailed       = "transmitter.publish_failed"
	ErrCodeRequestFailed       = "transmitter.request_failed"
	ErrCodeSubscribeFailed     = "transmitter.subscribe_failed"
	ErrCodeSerializationFailed = "transmitter.serialization_failed"
	ErrCodeNotConnected        = "transmitter.not_connected"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrInvalidReceiver     = Code(ErrCodeInvalidReceiver)
	ErrHostRequired        = Code(ErrCodeHostRequired)
	ErrClosed              = Code(ErrCodeClosed)
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrRequestFailed       = Code(ErrCodeRequestFailed)
	ErrSubscribeFailed     = Code(ErrCodeSubscribeFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrNotConnected        = Code(ErrCodeNotConnected)
)

// InvalidReceiverError is returned when a request targets an endpoint that cannot answer requests.
// It matches ErrInvalidReceiver with errors.Is.
type InvalidReceiverError struct {
	Receiver string
}

func (e *InvalidReceiverError) Error() string {
	return fmt.Sprintf("%s: invalid receiver %q", ErrCodeInvalidReceiver, e.Receiver)
}

func (e *InvalidReceiverError) Is(target error) bool { return target == ErrInvalidReceiver }
