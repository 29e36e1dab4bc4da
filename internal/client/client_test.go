package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jmtg/boardd/internal/config"
	"github.com/jmtg/boardd/internal/model"
	"github.com/jmtg/boardd/internal/store"
)

// newTestClient builds a started client against an unreachable endpoint; the
// push handlers are driven directly through the bus.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	cfg := &config.Config{}
	cfg.Endpoints.Local.Host = "127.0.0.1"
	cfg.Endpoints.Local.Port = 1 // nothing listens here
	cfg.Endpoints.Relay = cfg.Endpoints.Local
	cfg.Endpoints.Force = "local"
	cfg.Timeouts.RequestSeconds = 1
	cfg.Timeouts.ResumeSeconds = 1
	cfg.HeartbeatSeconds = 30
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, cfg, st)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		c.Stop()
		st.Close()
	})
	return c
}

func syncAllMessage(t *testing.T, list []*model.Announcement) *model.Message {
	t.Helper()
	data, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &model.Message{Action: model.ActionSyncAll, Data: data}
}

func announcementMessage(t *testing.T, action model.Action, ann *model.Announcement) *model.Message {
	t.Helper()
	data, err := json.Marshal(ann)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &model.Message{Action: action, Data: data}
}

func TestSyncAllPopulatesBoard(t *testing.T) {
	c := newTestClient(t)

	c.Bus().Emit(model.ActionSyncAll, syncAllMessage(t, []*model.Announcement{
		{ID: "a1", Status: model.StatusActive,
			LoadingDates: []model.LoadingDate{{Date: "2099-01-01", TruckCount: 2}}},
		{ID: "a2", Status: model.StatusPriority,
			LoadingDates: []model.LoadingDate{{Date: "2099-01-01", TruckCount: 2}}},
	}))

	if _, ok := c.Board().Get("a1"); !ok {
		t.Fatal("a1 missing after sync")
	}
	ann, ok := c.Board().Get("a2")
	if !ok || ann.Status != model.StatusPriority {
		t.Fatalf("a2 = %+v ok=%v", ann, ok)
	}
	if ids := c.Board().PriorityIDs(); len(ids) != 1 || ids[0] != "a2" {
		t.Errorf("PriorityIDs() = %v, want [a2]", ids)
	}
}

func TestSyncAllReplacesBoard(t *testing.T) {
	c := newTestClient(t)

	c.Bus().Emit(model.ActionSyncAll, syncAllMessage(t, []*model.Announcement{
		{ID: "old", Status: model.StatusActive},
	}))
	c.Bus().Emit(model.ActionSyncAll, syncAllMessage(t, []*model.Announcement{
		{ID: "new", Status: model.StatusActive},
	}))

	if _, ok := c.Board().Get("old"); ok {
		t.Error("stale announcement survived a full sync")
	}
	if _, ok := c.Board().Get("new"); !ok {
		t.Error("fresh announcement missing")
	}
}

func TestAnnouncementPushUpserts(t *testing.T) {
	c := newTestClient(t)

	c.Bus().Emit(model.ActionNewRequest, announcementMessage(t, model.ActionNewRequest,
		&model.Announcement{ID: "a1", Status: model.StatusActive, From: "Warsaw"}))

	ann, ok := c.Board().Get("a1")
	if !ok || ann.From != "Warsaw" {
		t.Fatalf("after new_request: %+v ok=%v", ann, ok)
	}

	c.Bus().Emit(model.ActionRequestUpdated, announcementMessage(t, model.ActionRequestUpdated,
		&model.Announcement{ID: "a1", Status: model.StatusActive, From: "Gdansk"}))

	ann, _ = c.Board().Get("a1")
	if ann.From != "Gdansk" {
		t.Errorf("update not applied: %+v", ann)
	}

	// Pushes without an id are dropped.
	c.Bus().Emit(model.ActionNewRequest, announcementMessage(t, model.ActionNewRequest,
		&model.Announcement{Status: model.StatusActive}))
	if got := len(c.Board().All()); got != 1 {
		t.Errorf("board size = %d, want 1", got)
	}
}

func TestCommentPushAppends(t *testing.T) {
	c := newTestClient(t)

	c.Bus().Emit(model.ActionNewRequest, announcementMessage(t, model.ActionNewRequest,
		&model.Announcement{ID: "a1", Status: model.StatusActive}))

	payload, _ := json.Marshal(map[string]any{
		"id":      "a1",
		"comment": model.Comment{User: "jan", Text: "called the driver"},
	})
	c.Bus().Emit(model.ActionAddComment, &model.Message{Action: model.ActionAddComment, Data: payload})

	ann, _ := c.Board().Get("a1")
	if len(ann.Comments) != 1 || ann.Comments[0].Text != "called the driver" {
		t.Errorf("comments = %+v", ann.Comments)
	}

	// Comments for unknown announcements are ignored.
	payload, _ = json.Marshal(map[string]any{"id": "ghost", "comment": model.Comment{Text: "x"}})
	c.Bus().Emit(model.ActionAddComment, &model.Message{Action: model.ActionAddComment, Data: payload})
}

func TestLogoutClearsSession(t *testing.T) {
	c := newTestClient(t)

	if err := c.store.Set(store.KeySessionToken, "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Offline logout: the server notification times out but the local
	// session is gone regardless.
	if err := c.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if token, _ := c.store.Get(store.KeySessionToken); token != "" {
		t.Errorf("session token survived logout: %q", token)
	}
	if got := c.sessionToken(); got != "" {
		t.Errorf("sessionToken() = %q, want empty", got)
	}
}

func TestUsernameDefault(t *testing.T) {
	c := newTestClient(t)

	if got := c.Username(); got != "user" {
		t.Errorf("Username() = %q, want default user", got)
	}

	if err := c.store.Set(store.KeyUsername, "jan"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := c.Username(); got != "jan" {
		t.Errorf("Username() = %q, want jan", got)
	}
}
