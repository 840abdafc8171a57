package apierror

import (
	"errors"

	"github.com/Alia5/usbtest/apitypes"
)

func ErrBadRequest(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 400, Title: "Bad Request", Detail: detail}
}
func ErrUnauthorized(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: detail}
}
func ErrNotFound(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 404, Title: "Not Found", Detail: detail}
}
func ErrConflict(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 409, Title: "Conflict", Detail: detail}
}

// ErrUnprocessable reports a well-formed request the peripheral cannot
// satisfy, such as an interface without the requested endpoints.
func ErrUnprocessable(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 422, Title: "Unprocessable Entity", Detail: detail}
}
func ErrInternal(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 500, Title: "Internal Server Error", Detail: detail}
}
func ErrBadGateway(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 502, Title: "Bad Gateway", Detail: detail}
}

// WrapError normalizes any error into apitypes.ApiError.
func WrapError(err error) apitypes.ApiError {
	var pae *apitypes.ApiError
	if errors.As(err, &pae) {
		return *pae
	}
	var ae apitypes.ApiError
	if errors.As(err, &ae) {
		return ae
	}
	// Default wrap as internal error
	return ErrInternal(err.Error())
}
