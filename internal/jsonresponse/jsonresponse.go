// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jsonresponse carries an HTTP status and a JSON body together
// as one value, the same shape the Dendrite grounding files pass around
// as util.JSONResponse, so a handler can build its answer (success or
// Matrix errcode) before anything touches http.ResponseWriter.
package jsonresponse

import (
	"encoding/json"
	"net/http"
)

// Response pairs a status code with the body to encode for it.
type Response struct {
	Code int
	JSON interface{}
}

// WriteTo encodes r onto w. The status r.Code is written before encoding,
// so an encode failure can no longer change it; such failures are
// swallowed and no 500 is sent.
func (r Response) WriteTo(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Code)
	_ = json.NewEncoder(w).Encode(r.JSON)
}

// MatrixError is the `{errcode, error}` body §7 requires for every
// non-2xx federation response.
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

func (e MatrixError) Error() string { return e.Err }

// OK wraps a 200 response body.
func OK(body interface{}) Response {
	return Response{Code: http.StatusOK, JSON: body}
}

// BadJSON is M_BAD_JSON, HTTP 400: the request body didn't decode, or
// decoded into something structurally invalid.
func BadJSON(msg string) Response {
	return Response{Code: http.StatusBadRequest, JSON: MatrixError{"M_BAD_JSON", msg}}
}

// InvalidParam is M_INVALID_PARAM, HTTP 400.
func InvalidParam(msg string) Response {
	return Response{Code: http.StatusBadRequest, JSON: MatrixError{"M_INVALID_PARAM", msg}}
}

// Unauthorized is M_UNAUTHORIZED, HTTP 401: a missing, malformed, or
// unverifiable X-Matrix Authorization header.
func Unauthorized(msg string) Response {
	return Response{Code: http.StatusUnauthorized, JSON: MatrixError{"M_UNAUTHORIZED", msg}}
}

// Forbidden is M_FORBIDDEN, HTTP 403: an authorisation-rule or
// server-ACL denial outside a transaction's per-PDU result map.
func Forbidden(msg string) Response {
	return Response{Code: http.StatusForbidden, JSON: MatrixError{"M_FORBIDDEN", msg}}
}

// NotFound is M_NOT_FOUND, HTTP 404.
func NotFound(msg string) Response {
	return Response{Code: http.StatusNotFound, JSON: MatrixError{"M_NOT_FOUND", msg}}
}

// Unknown is a catch-all M_UNKNOWN, HTTP 500: an internal error with no
// more specific errcode, logged with full context by the caller before
// this is returned.
func Unknown(msg string) Response {
	return Response{Code: http.StatusInternalServerError, JSON: MatrixError{"M_UNKNOWN", msg}}
}
