package sdk

import (
    "errors"
    "fmt"
)

// ResultCode is the status returned by every engine operation.
type ResultCode int

const (
    ResultOK        ResultCode = 0
    ResultOKIgnored ResultCode = 1

    // Fatal errors: the node should be considered unusable.
    ResultFatalErrorOutOfMemory     ResultCode = 100
    ResultFatalErrorDataStoreFailed ResultCode = 101
    ResultFatalErrorInternal        ResultCode = 102

    // Non-fatal errors.
    ResultErrorNetworkNotFound      ResultCode = 1000
    ResultErrorUnsupportedOperation ResultCode = 1001
    ResultErrorBadParameter         ResultCode = 1002
)

// IsFatal reports whether the code is in the fatal range (100..999).
func (r ResultCode) IsFatal() bool { return r >= 100 && r < 1000 }

// IsOK reports whether the operation succeeded (including "ignored").
func (r ResultCode) IsOK() bool { return r == ResultOK || r == ResultOKIgnored }

func (r ResultCode) String() string {
    switch r {
    case ResultOK:
        return "OK"
    case ResultOKIgnored:
        return "OK_IGNORED"
    case ResultFatalErrorOutOfMemory:
        return "FATAL_ERROR_OUT_OF_MEMORY"
    case ResultFatalErrorDataStoreFailed:
        return "FATAL_ERROR_DATA_STORE_FAILED"
    case ResultFatalErrorInternal:
        return "FATAL_ERROR_INTERNAL"
    case ResultErrorNetworkNotFound:
        return "ERROR_NETWORK_NOT_FOUND"
    case ResultErrorUnsupportedOperation:
        return "ERROR_UNSUPPORTED_OPERATION"
    case ResultErrorBadParameter:
        return "ERROR_BAD_PARAMETER"
    default:
        return fmt.Sprintf("RESULT(%d)", int(r))
    }
}

func (r ResultCode) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Err converts the code to an error; nil when the code is OK.
func (r ResultCode) Err() error {
    if r.IsOK() { return nil }
    return &ResultError{Code: r}
}

// ResultError carries a non-OK ResultCode and the operation that produced it.
type ResultError struct {
    Op   string
    Code ResultCode
}

func (e *ResultError) Error() string {
    if e.Op == "" { return "zerotier: " + e.Code.String() }
    return "zerotier: " + e.Op + ": " + e.Code.String()
}

// Fatal reports whether the wrapped code is fatal.
func (e *ResultError) Fatal() bool { return e.Code.IsFatal() }

// CodeOf extracts the ResultCode from err. A nil error is ResultOK and an
// error that does not wrap a ResultError is reported as an internal error.
func CodeOf(err error) ResultCode {
    if err == nil { return ResultOK }
    var re *ResultError
    if errors.As(err, &re) { return re.Code }
    return ResultFatalErrorInternal
}

// IsFatal reports whether err wraps a fatal ResultError.
func IsFatal(err error) bool {
    var re *ResultError
    return errors.As(err, &re) && re.Fatal()
}

func resultErr(op string, rc ResultCode) error {
    if rc.IsOK() { return nil }
    return &ResultError{Op: op, Code: rc}
}
