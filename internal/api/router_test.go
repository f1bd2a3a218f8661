package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"optionflow/internal/model"
)

type fakeStore struct {
	bars []model.EnrichedBar
	tfs  []int
}

func (f *fakeStore) GetBars(token int64, tf int, from, to time.Time) ([]model.EnrichedBar, error) {
	return f.bars, nil
}

func (f *fakeStore) DistinctTFs(token int64) ([]int, error) {
	return f.tfs, nil
}

func TestRouter_Bars(t *testing.T) {
	store := &fakeStore{bars: []model.EnrichedBar{
		{Token: 7, TF: 60, TS: time.Unix(1_700_000_000, 0).UTC(), Close: 15000},
	}}
	srv := httptest.NewServer(NewRouter(store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/bars?token=7&tf=60&from=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var out struct {
		Count int                 `json:"count"`
		Bars  []model.EnrichedBar `json:"bars"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 || len(out.Bars) != 1 || out.Bars[0].Close != 15000 {
		t.Errorf("unexpected payload: %+v", out)
	}
}

func TestRouter_BarsValidation(t *testing.T) {
	srv := httptest.NewServer(NewRouter(&fakeStore{}))
	defer srv.Close()

	for _, q := range []string{
		"/api/v1/bars",                 // no token
		"/api/v1/bars?token=0&tf=60",   // bad token
		"/api/v1/bars?token=7",         // no tf
		"/api/v1/bars?token=7&tf=-1",   // bad tf
		"/api/v1/tfs",                  // no token
		"/api/v1/tfs?token=notanumber", // bad token
	} {
		resp, err := http.Get(srv.URL + q)
		if err != nil {
			t.Fatalf("get %s: %v", q, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestRouter_TFs(t *testing.T) {
	srv := httptest.NewServer(NewRouter(&fakeStore{tfs: []int{60, 300}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/tfs?token=7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		TFs []int `json:"tfs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.TFs) != 2 {
		t.Errorf("expected [60 300], got %v", out.TFs)
	}
}
