package core

// ErrorInfo is the user-visible part of a failed operation.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the structured envelope returned to API gateways and UIs, which should
// never need to know internal error types.
type Result struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// ResultFromError converts err into a failed Result with a stable code.
func ResultFromError(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Result{
		Success: false,
		Error: &ErrorInfo{
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	}
}
