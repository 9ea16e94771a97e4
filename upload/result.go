package upload

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-tusupload/network"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Result is the outcome of a run: the durable identifier on success, the error
// text otherwise.
type Result struct {
	Result string `json:"result"`
	Data   string `json:"data"`
}

// String ...
func (r Result) String() string {
	return fmt.Sprintf("%s: %s", r.Result, r.Data)
}

// Failures the caller can act on are reported with their own message only.
var plainErrors = []error{
	ErrSourceNotFound,
	ErrSourceEmpty,
	ErrMissingCredentials,
	network.ErrAccountInaccessible,
}

func errorResult(err error) Result {
	for _, plain := range plainErrors {
		if errors.Is(err, plain) {
			return Result{Result: ResultError, Data: plain.Error()}
		}
	}
	return Result{Result: ResultError, Data: err.Error()}
}
