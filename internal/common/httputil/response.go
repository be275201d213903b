package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// APIResponse is the JSON envelope for every non-bitmap response
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	ErrorType string      `json:"error_type,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// JSONResponse writes resp with statusCode
func JSONResponse(ctx *fasthttp.RequestCtx, resp APIResponse, statusCode int) {
	body, err := json.Marshal(resp)
	if err != nil {
		statusCode = fasthttp.StatusInternalServerError
		body = []byte(`{"success":false,"message":"failed to marshal response"}`)
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// JSONError writes a failed envelope with an error type for clients to switch on
func JSONError(ctx *fasthttp.RequestCtx, requestID, errorType, message string, statusCode int) {
	JSONResponse(ctx, APIResponse{
		Success:   false,
		Message:   message,
		ErrorType: errorType,
		RequestID: requestID,
	}, statusCode)
}

// JSONData writes a successful envelope carrying data
func JSONData(ctx *fasthttp.RequestCtx, requestID string, data interface{}, statusCode int) {
	JSONResponse(ctx, APIResponse{Success: true, RequestID: requestID, Data: data}, statusCode)
}
