package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteProblemFillsTitleFromStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeProblem(rec, 409, "", "order already assigned", "/v1/orders/o1")

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Title != "Conflict" || p.Status != 409 || p.Detail != "order already assigned" {
		t.Fatalf("unexpected problem body: %+v", p)
	}
}

func TestWriteJSONUnencodableValue(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, 200, map[string]any{"bad": make(chan int)})

	if rec.Code != 500 {
		t.Fatalf("unencodable value must yield 500, got %d", rec.Code)
	}
}
