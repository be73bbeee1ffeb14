package search

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/sonde/engine"
)

func TestStreamWriter_ValidArray(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)
	sw.Open()
	sw.Write(engine.Chunk{Purpose: engine.PurposeInit, Total: 1})
	sw.Write(engine.Chunk{Purpose: engine.PurposeFinish, ResultCount: 2})
	sw.Close()
	sw.Write(engine.Chunk{Purpose: engine.PurposeFinish})

	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	if len(got) != 2 || got[1]["resultCount"] != float64(2) {
		t.Fatalf("chunks = %v", got)
	}
	if !rec.Flushed {
		t.Fatal("writer did not flush")
	}
}

func TestStreamWriter_EmptyArray(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)
	sw.Open()
	sw.Close()
	if rec.Body.String() != "[]" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

type failingWriter struct{ n int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.n++
	if f.n > 1 {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestStreamWriter_StickyError(t *testing.T) {
	fw := &failingWriter{}
	sw := NewStreamWriter(fw)
	sw.Open()
	if err := sw.Write(engine.Chunk{Purpose: engine.PurposeFinish}); err == nil {
		t.Fatal("expected write error")
	}
	sw.Write(engine.Chunk{Purpose: engine.PurposeFinish})
	sw.Close()
	if fw.n != 2 {
		t.Fatalf("writes after failure: %d", fw.n)
	}
	if sw.Err() == nil {
		t.Fatal("Err lost")
	}
}
