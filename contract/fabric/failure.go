package fabric

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Failure is the error a request handler uses to reject a request with a structured payload.
// Both fabrics carry failures unchanged to the requesting side.
type Failure struct {
	Data any
}

// NewFailure returns a Failure carrying data.
func NewFailure(data any) *Failure { return &Failure{Data: data} }

func (f *Failure) Error() string {
	if f.Data == nil {
		return "request failed"
	}

	b, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Sprintf("request failed: %v", f.Data)
	}

	return "request failed: " + string(b)
}

// AsFailure unwraps err looking for a *Failure.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}

	return nil, false
}
