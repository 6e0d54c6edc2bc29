// Package httpx is the JSON envelope shared by fleetd, its Go client and the
// runner agent.
package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const contentTypeJSON = "application/json; charset=utf-8"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorResponse) Error() string {
	return e.Code + ": " + e.Message
}

// WriteJSON encodes value before touching the response, so an encoding
// failure still produces a well-formed error envelope.
func WriteJSON(w http.ResponseWriter, status int, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		status = http.StatusInternalServerError
		raw, _ = json.Marshal(ErrorResponse{Code: "encode_failed", Message: err.Error()})
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(raw, '\n'))
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// DecodeStrict decodes a single JSON value into dst, rejecting unknown fields
// and trailing data.
func DecodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// ParseError extracts the error envelope from a response body. ok is false when
// the body is not an envelope, e.g. a proxy's plain-text error page.
func ParseError(raw []byte) (ErrorResponse, bool) {
	var envelope ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Code == "" {
		return ErrorResponse{}, false
	}
	return envelope, true
}
