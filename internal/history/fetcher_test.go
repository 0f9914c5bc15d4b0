package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"converse/internal/models"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestFetcher_ThreadMessages(t *testing.T) {
	var gotReq *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		_ = json.NewEncoder(w).Encode(models.MessagePage{
			Messages: []models.Message{
				{ID: "m1", ThreadID: "t1", SenderID: "u2", Content: "hi", CreatedAt: time.Now().UTC()},
			},
			CurrentPage: 2,
			PageSize:    10,
			HasMore:     true,
		})
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, staticToken("tok-123"))
	page, err := f.ThreadMessages(context.Background(), "t1", 2, 10)
	if err != nil {
		t.Fatalf("ThreadMessages failed: %v", err)
	}

	if gotReq.URL.Path != "/api/v1/messages/threads/t1" {
		t.Errorf("unexpected path %q", gotReq.URL.Path)
	}
	if got := gotReq.URL.Query().Get("page"); got != "2" {
		t.Errorf("expected page=2, got %q", got)
	}
	if got := gotReq.URL.Query().Get("page_size"); got != "10" {
		t.Errorf("expected page_size=10, got %q", got)
	}
	if got := gotReq.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("expected bearer header, got %q", got)
	}

	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Errorf("unexpected page contents: %+v", page)
	}
	if !page.HasMore {
		t.Error("expected has_more")
	}
}

func TestFetcher_ClampsPagination(t *testing.T) {
	cases := []struct {
		name               string
		page, pageSize     int
		wantPage, wantSize string
	}{
		{"defaults", 0, 0, "1", "20"},
		{"negative", -3, -1, "1", "20"},
		{"over max", 1, 500, "1", "100"},
		{"in range", 3, 50, "3", "50"},
	}

	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(models.MessagePage{})
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, staticToken(""))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.ThreadMessages(context.Background(), "t1", tc.page, tc.pageSize); err != nil {
				t.Fatalf("ThreadMessages failed: %v", err)
			}
			if got := gotQuery["page"][0]; got != tc.wantPage {
				t.Errorf("expected page=%s, got %s", tc.wantPage, got)
			}
			if got := gotQuery["page_size"][0]; got != tc.wantSize {
				t.Errorf("expected page_size=%s, got %s", tc.wantSize, got)
			}
		})
	}
}

func TestFetcher_ErrorStatuses(t *testing.T) {
	cases := []struct {
		status  int
		wantErr error
	}{
		{http.StatusUnauthorized, models.ErrAuthRequired},
		{http.StatusForbidden, models.ErrAuthRequired},
		{http.StatusNotFound, models.ErrNotFound},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		f := NewFetcher(srv.URL, staticToken("tok"))
		_, err := f.ThreadMessages(context.Background(), "t1", 1, 20)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.wantErr, err)
		}
		srv.Close()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	f := NewFetcher(srv.URL, staticToken("tok"))
	if _, err := f.ThreadMessages(context.Background(), "t1", 1, 20); err == nil {
		t.Error("expected error for status 500")
	}
}
