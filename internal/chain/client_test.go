package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmeshcher/giro-ledger/internal/model"
)

func TestRecord_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/tx" {
			t.Fatalf("path = %s, want /api/tx", r.URL.Path)
		}

		var req RecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.EntryID != 7 || req.Amount != 25 {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(RecordResponse{Reference: "0xabc"}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	from := int64(1)
	ref, err := client.Record(ctx, &model.LedgerEntry{
		ID:            7,
		FromAccountID: &from,
		ToAccountID:   2,
		Amount:        25,
	})
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if ref != "0xabc" {
		t.Fatalf("reference = %q, want 0xabc", ref)
	}
}

func TestRecord_EmptyReference(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RecordResponse{})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Record(ctx, &model.LedgerEntry{ID: 1, ToAccountID: 2, Amount: 10})
	if err == nil {
		t.Fatalf("expected error for empty reference")
	}
}

func TestGetStatus_OK(t *testing.T) {
	block := int64(123456)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tx/0xabc" {
			t.Fatalf("path = %s, want /api/tx/0xabc", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TxStatus{
			Reference:   "0xabc",
			Status:      "confirmed",
			BlockNumber: &block,
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	st, err := client.GetStatus(ctx, "0xabc")
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if st.Status != "confirmed" {
		t.Fatalf("status = %q, want confirmed", st.Status)
	}
	if st.BlockNumber == nil || *st.BlockNumber != block {
		t.Fatalf("unexpected block number: %v", st.BlockNumber)
	}
}

func TestGetStatus_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TxStatus{Reference: "0xabc", Status: "pending"})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.GetStatus(ctx, "0xabc")
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if st.Status != "pending" {
		t.Fatalf("status = %q, want pending", st.Status)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestGetStatus_NotFoundIsFinal(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.GetStatus(ctx, "0xmissing"); err == nil {
		t.Fatalf("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Fatalf("404 must not be retried, calls = %d", calls.Load())
	}
}

func TestNotConfigured(t *testing.T) {
	client := &Client{}

	if _, err := client.Record(context.Background(), &model.LedgerEntry{}); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
	if _, err := client.GetStatus(context.Background(), "0xabc"); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

func TestSimulatedReference(t *testing.T) {
	a := SimulatedReference()
	b := SimulatedReference()

	if !strings.HasPrefix(a, "0x") || len(a) != 66 {
		t.Fatalf("malformed reference: %q", a)
	}
	if a == b {
		t.Fatalf("references must be unique, got %q twice", a)
	}
}
