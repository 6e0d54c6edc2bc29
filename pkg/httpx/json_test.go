package httpx

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONSetsHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]int{"id": 7})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("unexpected cache control %q", got)
	}
	if rr.Body.String() != "{\"id\":7}\n" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]float64{"bad": math.NaN()})

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	envelope, ok := ParseError(rr.Body.Bytes())
	if !ok || envelope.Code != "encode_failed" {
		t.Fatalf("expected encode_failed envelope, got %q", rr.Body.String())
	}
}

func TestDecodeStrict(t *testing.T) {
	type request struct {
		URL string `json:"url"`
	}
	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "valid", raw: `{"url":"http://n"}`},
		{name: "empty", raw: ``, wantErr: "empty"},
		{name: "unknown field", raw: `{"url":"http://n","ip":"1"}`, wantErr: "unknown field"},
		{name: "trailing data", raw: `{"url":"http://n"} {}`, wantErr: "unexpected data"},
		{name: "malformed", raw: `{"url":`, wantErr: "unexpected EOF"},
	}
	for _, tc := range cases {
		var req request
		err := DecodeStrict([]byte(tc.raw), &req)
		if tc.wantErr == "" {
			if err != nil || req.URL != "http://n" {
				t.Fatalf("%s: expected decode, got %+v err=%v", tc.name, req, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestParseError(t *testing.T) {
	envelope, ok := ParseError([]byte(`{"code":"not_found","message":"node not found"}`))
	if !ok || envelope.Code != "not_found" || envelope.Error() != "not_found: node not found" {
		t.Fatalf("unexpected envelope %+v ok=%v", envelope, ok)
	}
	for _, raw := range []string{`<html>bad gateway</html>`, `{"message":"no code"}`, ``} {
		if _, ok := ParseError([]byte(raw)); ok {
			t.Fatalf("expected %q not to parse as an envelope", raw)
		}
	}
}
