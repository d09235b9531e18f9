/*
Package resp provides helper functions for constructing and sending HTTP JSON responses.

Successful reads answer with the bare payload (the aggregate view and the
user list are contracts consumed by third parties); only error responses
use the {code, message} envelope.
*/
package resp

import (
	"encoding/json"
	"net/http"

	"presenced/internal/pkg/errs"
	"presenced/internal/pkg/logx"
)

// errorResponse is the envelope returned for error statuses.
type errorResponse struct {
	// Code is the business status code (see errs package).
	Code int `json:"code"`

	// Message is the client-friendly error description.
	Message string `json:"message"`
}

// RespondJSON sets the Content-Type and sends the payload as JSON with the
// given HTTP status.
func RespondJSON(w http.ResponseWriter, r *http.Request, httpStatus int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	response, err := json.Marshal(payload)
	if err != nil {
		logx.Error(
			err,
			"Error encoding JSON response",
			"http_status", httpStatus,
		)

		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(httpStatus)
	w.Write(response)
}

// RespondError sends an HTTP response containing custom error information.
func RespondError(w http.ResponseWriter, r *http.Request, customErr *errs.CustomError) {
	if customErr == nil {
		customErr = errs.NewError(errs.ErrUnknown)
	}

	res := errorResponse{
		Code:    customErr.Code,
		Message: customErr.Message,
	}
	RespondJSON(w, r, customErr.Status, res)
}
