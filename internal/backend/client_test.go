package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wtfteams/wtfsync/internal/message"
)

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`[
			{"_id":"c1","chatName":"team","isGroupChat":true,
			 "users":[{"_id":"u1"},{"_id":"u2"}],
			 "latestMessage":{"_id":"m5","content":"yo","sender":{"_id":"u2"},"createdAt":"2026-03-01T10:00:00Z"},
			 "updatedAt":"2026-03-01T09:00:00Z"}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, func() string { return "tok" }, time.Second, nil)
	convs, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations", len(convs))
	}
	conv := convs[0]
	if conv.ID != "c1" || !conv.IsGroup || conv.DisplayName != "team" {
		t.Errorf("conv = %+v", conv)
	}
	if len(conv.MemberIDs) != 2 {
		t.Errorf("MemberIDs = %v", conv.MemberIDs)
	}
	if conv.LastMessageID != "m5" || conv.LastMessagePreview != "yo" {
		t.Errorf("latest ref = %+v", conv)
	}
	// Order key takes the later of updatedAt and latest message time.
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if conv.UpdatedOrderKey != want {
		t.Errorf("UpdatedOrderKey = %d, want %d", conv.UpdatedOrderKey, want)
	}
}

func TestHistoryToleratesChatRefShapes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"_id":"m1","sender":{"_id":"u2"},"content":"a","chat":"c1","createdAt":"2026-03-01T10:00:00Z"},
			{"_id":"m2","sender":{"_id":"u2"},"content":"b","chat":{"_id":"c1"},"createdAt":"2026-03-01T10:01:00Z"}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, time.Second, nil)
	msgs, err := c.History(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if m.ConversationID != "c1" {
			t.Errorf("message %s ConversationID = %q, want c1", m.ID, m.ConversationID)
		}
		if m.State != message.Confirmed {
			t.Errorf("message %s state = %s", m.ID, m.State)
		}
	}
}

func TestPostMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chatId"] != "c1" || body["content"] != "hi" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"_id":"m42","sender":{"_id":"me"},"content":"hi","chat":"c1","createdAt":"2026-03-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, time.Second, nil)
	m, err := c.PostMessage(context.Background(), "c1", message.Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m42" || m.ConversationID != "c1" {
		t.Errorf("message = %+v", m)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"token expired"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, time.Second, nil)
	_, err := c.ListConversations(context.Background())

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "token expired" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestMarkRead(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, time.Second, nil)
	if err := c.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if path != "/messages/read/c1" || method != http.MethodPut {
		t.Errorf("request = %s %s", method, path)
	}
}
