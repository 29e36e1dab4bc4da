// Package client wires the socket, the event bus, the automaton and the
// alert ringer together and exposes the board operations the rendering
// layer calls.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmtg/boardd/internal/alert"
	"github.com/jmtg/boardd/internal/board"
	"github.com/jmtg/boardd/internal/bus"
	"github.com/jmtg/boardd/internal/config"
	"github.com/jmtg/boardd/internal/dashboard"
	"github.com/jmtg/boardd/internal/model"
	"github.com/jmtg/boardd/internal/store"
	"github.com/jmtg/boardd/internal/ws"
)

// Client is the process-wide board client.
type Client struct {
	cfg    *config.Config
	store  *store.Store
	bus    *bus.Bus
	conn   *ws.Client
	board  *board.Automaton
	ringer *alert.Ringer
	dash   *dashboard.Dashboard

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	lastSync time.Time
}

// New builds the client. ctx controls its lifetime.
func New(ctx context.Context, cfg *config.Config, st *store.Store) *Client {
	c := &Client{
		cfg:   cfg,
		store: st,
		bus:   bus.New(),
		ctx:   ctx,
	}

	c.board = board.New(c,
		board.WithStatusHook(c.onStatusWrite),
		board.WithErrorHook(func(id string, err error) {
			log.Printf("[client] announcement %s: %v", id, err)
		}),
	)
	c.ringer = alert.New(c.onRing, c.board.HasRunningPriorityCountdown)

	c.conn = ws.NewClient(ctx, cfg, c.bus, c.sessionToken, c)
	c.dash = dashboard.New(c.snapshot, c.conn.Reconnect)
	return c
}

// Bus exposes the event bus for the rendering layer.
func (c *Client) Bus() *bus.Bus { return c.bus }

// Board exposes the automaton for read access.
func (c *Client) Board() *board.Automaton { return c.board }

// Start subscribes the push handlers, opens the connection and starts the
// background loops.
func (c *Client) Start() error {
	c.bus.On(model.ActionSyncAll, c.onSyncAll)
	c.bus.On(model.ActionNewRequest, c.onAnnouncementPush)
	c.bus.On(model.ActionRequestUpdated, c.onAnnouncementPush)
	c.bus.On(model.ActionAddComment, c.onCommentPush)

	if c.cfg.Dashboard.Enabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.dash.Serve(c.ctx, c.cfg.Dashboard.Address); err != nil {
				log.Printf("[client] dashboard server error: %v", err)
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.board.Run(c.ctx)
	}()

	if err := c.conn.Connect(); err != nil {
		// The reconnect schedule is already running; the first sync will
		// land once a dial succeeds.
		log.Printf("[client] initial connect failed: %v", err)
	}
	return nil
}

// Stop shuts the client down. The parent context should be cancelled first.
func (c *Client) Stop() error {
	c.ringer.Stop()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// ─────────────────────────────────────────────
// Connection lifecycle (implements ws.Events)
// ─────────────────────────────────────────────

func (c *Client) OnConnected() {
	log.Printf("[client] connected")
	c.dash.SetConnected(true)
}

func (c *Client) OnDisconnected() {
	log.Printf("[client] disconnected")
	c.dash.SetConnected(false)
}

// sessionToken feeds the resume handshake replayed on every open.
func (c *Client) sessionToken() string {
	token, err := c.store.Get(store.KeySessionToken)
	if err != nil {
		log.Printf("[client] read session token: %v", err)
		return ""
	}
	return token
}

// PushStatus implements board.StatusPusher.
func (c *Client) PushStatus(id string, status model.Status) error {
	_, err := c.conn.Do(c.ctx, model.SetStatusRequest{
		Action: model.ActionSetStatus,
		ID:     id,
		Data:   model.StatusChange{Status: status},
	})
	return err
}

// onStatusWrite follows every status write with the ringer membership.
func (c *Client) onStatusWrite(id string, status model.Status) {
	if status.Normalize() == model.StatusPriority {
		c.ringer.AddPriority(id)
	} else {
		c.ringer.RemovePriority(id)
	}
}

func (c *Client) onRing() {
	// The audible part belongs to the rendering layer; it subscribes to
	// the bus for this synthetic action.
	c.bus.Emit("priority_ring", &model.Message{Action: "priority_ring"})
}

// ─────────────────────────────────────────────
// Push handlers
// ─────────────────────────────────────────────

func (c *Client) onSyncAll(msg *model.Message) {
	var list []*model.Announcement
	if err := msg.DecodeData(&list); err != nil {
		log.Printf("[client] bad sync_all payload: %v", err)
		return
	}

	c.board.SyncAll(list)
	c.ringer.SetPriorityIDs(c.board.PriorityIDs())

	c.mu.Lock()
	c.lastSync = time.Now()
	c.mu.Unlock()
	log.Printf("[client] full sync: %d announcements", len(list))
}

func (c *Client) onAnnouncementPush(msg *model.Message) {
	var ann model.Announcement
	if err := msg.DecodeData(&ann); err != nil || ann.ID == "" {
		return
	}
	c.board.Upsert(&ann)
}

func (c *Client) onCommentPush(msg *model.Message) {
	var payload struct {
		ID      string        `json:"id"`
		Comment model.Comment `json:"comment"`
	}
	if err := msg.DecodeData(&payload); err != nil || payload.ID == "" {
		return
	}
	ann, ok := c.board.Get(payload.ID)
	if !ok {
		return
	}
	ann.Comments = append(ann.Comments, payload.Comment)
	c.board.Upsert(ann)
}

// ─────────────────────────────────────────────
// Session operations
// ─────────────────────────────────────────────

// Login authenticates and persists the session.
func (c *Client) Login(ctx context.Context, username, password string) error {
	msg, err := c.conn.Do(ctx, model.AuthRequest{
		Action:   model.ActionAuth,
		Username: username,
		Password: password,
	})
	if err != nil {
		return err
	}

	var resp model.AuthResponse
	if err := json.Unmarshal(msg.Raw, &resp); err != nil {
		return fmt.Errorf("decode auth reply: %w", err)
	}
	if resp.SessionToken == "" {
		return fmt.Errorf("auth reply carried no session token")
	}

	if err := c.store.Set(store.KeySessionToken, resp.SessionToken); err != nil {
		return err
	}
	if err := c.store.Set(store.KeyUsername, username); err != nil {
		return err
	}
	role := resp.Role
	if role == "" {
		role = "user"
	}
	return c.store.Set(store.KeyRole, role)
}

// Register creates an account; the server replies like auth.
func (c *Client) Register(ctx context.Context, username, password, role string) error {
	_, err := c.conn.Do(ctx, model.RegisterRequest{
		Action:   model.ActionRegister,
		Username: username,
		Password: password,
		Role:     role,
	})
	return err
}

// ResumeSession explicitly replays the stored token. The connection layer
// already does this on every open; this is for callers that need the
// confirmed role.
func (c *Client) ResumeSession(ctx context.Context) (*model.AuthResponse, error) {
	token := c.sessionToken()
	if token == "" {
		return nil, fmt.Errorf("no stored session")
	}
	msg, err := c.conn.Do(ctx, model.ResumeSessionRequest{
		Action: model.ActionResumeSession,
		Token:  token,
	})
	if err != nil {
		return nil, err
	}

	var resp model.AuthResponse
	if err := json.Unmarshal(msg.Raw, &resp); err != nil {
		return nil, fmt.Errorf("decode resume reply: %w", err)
	}
	if resp.Role != "" {
		if err := c.store.Set(store.KeyRole, resp.Role); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

// logoutTimeout bounds how long teardown waits for the logout frame to
// reach the wire.
const logoutTimeout = 2 * time.Second

// Logout clears the stored session, tells the server, and tears the
// connection down for good.
func (c *Client) Logout() error {
	if err := c.store.ClearSession(); err != nil {
		return err
	}

	// The logout must be on the wire before the socket goes away, or the
	// server keeps honoring the token. Best effort when offline.
	ctx, cancel := context.WithTimeout(c.ctx, logoutTimeout)
	defer cancel()
	if err := c.conn.SendSync(ctx, model.LogoutRequest{Action: model.ActionLogout}); err != nil {
		log.Printf("[client] logout notify failed: %v", err)
	}

	c.ringer.SetPriorityIDs(nil)
	return c.conn.Close()
}

// Username returns the stored profile name, defaulting like the original
// client does.
func (c *Client) Username() string {
	name, err := c.store.Get(store.KeyUsername)
	if err != nil || name == "" {
		return "user"
	}
	return name
}

// ─────────────────────────────────────────────
// Board operations
// ─────────────────────────────────────────────

// SyncAll requests a full sync and waits for it; the push handler applies
// the data when the reply lands.
func (c *Client) SyncAll(ctx context.Context) error {
	_, err := c.conn.Do(ctx, model.SyncAllRequest{Action: model.ActionSyncAll})
	return err
}

// AddRequest creates an announcement and applies the echoed record.
func (c *Client) AddRequest(ctx context.Context, ann *model.Announcement) (*model.Announcement, error) {
	msg, err := c.conn.Do(ctx, model.AddRequestRequest{Action: model.ActionAddRequest, Data: ann})
	if err != nil {
		return nil, err
	}
	var saved model.Announcement
	if err := msg.DecodeData(&saved); err != nil || saved.ID == "" {
		return nil, fmt.Errorf("decode new_request reply: %w", err)
	}
	c.board.Upsert(&saved)
	return &saved, nil
}

// EditRequest pushes a patch for one announcement.
func (c *Client) EditRequest(ctx context.Context, id string, patch any) error {
	_, err := c.conn.Do(ctx, model.EditRequestRequest{
		Action: model.ActionEditRequest,
		ID:     id,
		Editor: c.Username(),
		Data:   patch,
	})
	return err
}

// SetRequestStatus is the operator's direct status write. It bypasses the
// automaton guards and lands locally before any further auto-transition
// logic runs.
func (c *Client) SetRequestStatus(ctx context.Context, id string, status model.Status) error {
	if err := c.PushStatus(id, status); err != nil {
		return err
	}
	return c.board.ApplyStatus(id, status)
}

// AddComment appends a comment to an announcement.
func (c *Client) AddComment(ctx context.Context, id, text string) error {
	_, err := c.conn.Do(ctx, model.AddCommentRequest{
		Action: model.ActionAddComment,
		ID:     id,
		User:   c.Username(),
		Text:   text,
	})
	return err
}

// UploadFile ships one file and returns the transfer id it was stored
// under.
func (c *Client) UploadFile(ctx context.Context, announcementID, filename string, content []byte) (string, error) {
	taskID := uuid.NewString()
	_, err := c.conn.Do(ctx, model.UploadFileRequest{
		Action:   model.ActionUploadFile,
		TaskID:   taskID,
		ID:       announcementID,
		FileType: "driver_file",
		Filename: filename,
		Content:  base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// DownloadFile fetches a previously uploaded file.
func (c *Client) DownloadFile(ctx context.Context, taskID, filename string) ([]byte, error) {
	msg, err := c.conn.Do(ctx, model.DownloadFileRequest{
		Action:   model.ActionDownloadFile,
		TaskID:   taskID,
		Filename: filename,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(msg.Raw, &payload); err != nil {
		return nil, fmt.Errorf("decode download reply: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		return nil, fmt.Errorf("decode file content: %w", err)
	}
	return data, nil
}

// StatusesSync fetches the unloading-statuses board.
func (c *Client) StatusesSync(ctx context.Context) (*model.Message, error) {
	return c.conn.Do(ctx, model.StatusesSyncRequest{Action: model.ActionStatusesSync})
}

// StatusesToggleUnloaded flips one row; the server broadcasts the refreshed
// board, so no reply is awaited.
func (c *Client) StatusesToggleUnloaded(id string) error {
	return c.conn.Send(model.StatusesToggleRequest{Action: model.ActionStatusesToggle, ID: id})
}

// StatusesSetText edits one row's note; confirmed by broadcast like toggle.
func (c *Client) StatusesSetText(id, text string) error {
	return c.conn.Send(model.StatusesSetTextRequest{Action: model.ActionStatusesSetText, ID: id, Text: text})
}

// AssignDriver consumes a truck slot, pushes the whole record, and notifies
// local subscribers immediately.
func (c *Client) AssignDriver(ctx context.Context, id string, driver model.Driver, date string) error {
	driver.AddedBy = c.Username()
	ann, err := c.board.AssignDriver(id, driver, date)
	if err != nil {
		return err
	}
	if err := c.EditRequest(ctx, id, ann); err != nil {
		return err
	}
	c.emitLocalUpdate(ann)
	return nil
}

// RemoveDriver frees the assignment's truck slot and pushes the record.
func (c *Client) RemoveDriver(ctx context.Context, id string, idx int) error {
	ann, err := c.board.RemoveDriver(id, idx)
	if err != nil {
		return err
	}
	if err := c.EditRequest(ctx, id, ann); err != nil {
		return err
	}
	c.emitLocalUpdate(ann)
	return nil
}

// AdjustTimer shifts the deadline by a relative offset and persists the
// manual target. The local write stays even if the push fails; the next
// sync corrects any divergence.
func (c *Client) AdjustTimer(ctx context.Context, id string, adj board.TimerAdjustment) (time.Time, error) {
	target, _, err := c.board.AdjustTimer(id, adj)
	if err != nil {
		return time.Time{}, err
	}

	patch := map[string]any{
		"timer_target": target.Format(time.RFC3339),
		"last_editor":  c.Username(),
		"edit_reason":  "timer_adjust",
	}
	if err := c.EditRequest(ctx, id, patch); err != nil {
		return target, err
	}
	return target, nil
}

// SetVisible mirrors page visibility into the alert schedule.
func (c *Client) SetVisible(visible bool) {
	c.ringer.SetVisible(visible)
}

// emitLocalUpdate notifies subscribers without waiting for the broadcast.
func (c *Client) emitLocalUpdate(ann *model.Announcement) {
	data, err := json.Marshal(ann)
	if err != nil {
		return
	}
	c.bus.Emit(model.ActionRequestUpdated, &model.Message{
		Action: model.ActionRequestUpdated,
		Data:   data,
		Raw:    data,
	})
}

// snapshot feeds the dashboard.
func (c *Client) snapshot() dashboard.BoardStats {
	c.mu.Lock()
	lastSync := c.lastSync
	c.mu.Unlock()

	byStatus := make(map[string]int)
	all := c.board.All()
	for _, ann := range all {
		byStatus[string(ann.Status.Normalize())]++
	}

	return dashboard.BoardStats{
		Endpoint:          c.conn.CurrentURL(),
		ReconnectAttempts: c.conn.Attempts(),
		Announcements:     len(all),
		ByStatus:          byStatus,
		PriorityIDs:       c.ringer.IDs(),
		LastSync:          lastSync,
		LastRing:          c.ringer.LastRing(),
		Username:          c.Username(),
	}
}
