package model

import (
	"encoding/json"
	"strings"
)

// Action identifies a wire message's purpose.
type Action string

const (
	// Client → Server
	ActionAuth            Action = "auth"
	ActionRegister        Action = "register"
	ActionResumeSession   Action = "resume_session"
	ActionLogout          Action = "logout"
	ActionAddRequest      Action = "add_request"
	ActionEditRequest     Action = "edit_request"
	ActionUpdateRequest   Action = "update_request"
	ActionSetStatus       Action = "set_request_status"
	ActionUploadFile      Action = "upload_file"
	ActionDownloadFile    Action = "download_file"
	ActionAddComment      Action = "add_comment"
	ActionStatusesSync    Action = "statuses_sync"
	ActionStatusesToggle  Action = "statuses_toggle_unloaded"
	ActionStatusesSetText Action = "statuses_set_text"
	ActionPing            Action = "ping"
	ActionSyncAll         Action = "sync_all"

	// Server → Client pushes
	ActionNewRequest     Action = "new_request"
	ActionRequestUpdated Action = "request_updated"
)

// responseActions maps a request action to the action of the reply that
// confirms it. Actions not listed here expect an echo of themselves.
var responseActions = map[Action]Action{
	ActionAddRequest:    ActionNewRequest,
	ActionEditRequest:   ActionRequestUpdated,
	ActionUpdateRequest: ActionRequestUpdated,
	ActionSetStatus:     ActionRequestUpdated,
	ActionUploadFile:    ActionUploadFile,
	ActionDownloadFile:  ActionDownloadFile,
}

// ResponseAction returns the action a reply to the given request carries.
func ResponseAction(req Action) Action {
	if want, ok := responseActions[req]; ok {
		return want
	}
	return req
}

// Message is an inbound envelope. Only the fields the core routes on are
// decoded; Raw keeps the full frame for subscribers that need more.
type Message struct {
	Action  Action          `json:"action"`
	Type    Action          `json:"type"`
	Status  string          `json:"status"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`

	Raw json.RawMessage `json:"-"`
}

// ParseMessage decodes one wire frame. The action discriminator falls back
// to the legacy "type" field.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Action == "" {
		msg.Action = msg.Type
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// Failed reports whether the server marked this reply as a failure.
func (m *Message) Failed() bool {
	s := strings.ToLower(m.Status)
	return s == "error" || s == "fail" || m.Error != ""
}

// FailureText returns the server-provided failure message, preferring the
// most specific field.
func (m *Message) FailureText() string {
	switch {
	case m.Error != "":
		return m.Error
	case m.Message != "":
		return m.Message
	default:
		return m.Status
	}
}

// DecodeData unmarshals the data payload into v.
func (m *Message) DecodeData(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Request is anything the client can put on the wire. WireAction must match
// the "action" field of the marshalled form.
type Request interface {
	WireAction() Action
}

// AuthRequest performs a credential login.
type AuthRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r AuthRequest) WireAction() Action { return r.Action }

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (r RegisterRequest) WireAction() Action { return r.Action }

// ResumeSessionRequest replays a stored session token after (re)connect.
type ResumeSessionRequest struct {
	Action Action `json:"action"`
	Token  string `json:"token"`
}

func (r ResumeSessionRequest) WireAction() Action { return r.Action }

// LogoutRequest invalidates the session server-side.
type LogoutRequest struct {
	Action Action `json:"action"`
}

func (r LogoutRequest) WireAction() Action { return r.Action }

// AddRequestRequest creates an announcement.
type AddRequestRequest struct {
	Action Action        `json:"action"`
	Data   *Announcement `json:"data"`
}

func (r AddRequestRequest) WireAction() Action { return r.Action }

// EditRequestRequest patches or replaces an announcement.
type EditRequestRequest struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
	Editor string `json:"editor,omitempty"`
	Data   any    `json:"data"`
}

func (r EditRequestRequest) WireAction() Action { return r.Action }

// SetStatusRequest changes an announcement's status.
type SetStatusRequest struct {
	Action Action       `json:"action"`
	ID     string       `json:"id"`
	Data   StatusChange `json:"data"`
}

func (r SetStatusRequest) WireAction() Action { return r.Action }

// StatusChange is the payload of SetStatusRequest.
type StatusChange struct {
	Status Status `json:"status"`
}

// AddCommentRequest appends a comment to an announcement.
type AddCommentRequest struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
	User   string `json:"user"`
	Text   string `json:"text"`
}

func (r AddCommentRequest) WireAction() Action { return r.Action }

// UploadFileRequest carries one file as base64 content.
type UploadFileRequest struct {
	Action   Action `json:"action"`
	TaskID   string `json:"task_id"`
	ID       string `json:"id"`
	FileType string `json:"file_type,omitempty"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (r UploadFileRequest) WireAction() Action { return r.Action }

// DownloadFileRequest fetches a previously uploaded file.
type DownloadFileRequest struct {
	Action   Action `json:"action"`
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

func (r DownloadFileRequest) WireAction() Action { return r.Action }

// StatusesSyncRequest asks for the full unloading-statuses board.
type StatusesSyncRequest struct {
	Action Action `json:"action"`
}

func (r StatusesSyncRequest) WireAction() Action { return r.Action }

// StatusesToggleRequest flips the unloaded flag of one statuses row.
type StatusesToggleRequest struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
}

func (r StatusesToggleRequest) WireAction() Action { return r.Action }

// StatusesSetTextRequest edits the free-text note of one statuses row.
type StatusesSetTextRequest struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
	Text   string `json:"text"`
}

func (r StatusesSetTextRequest) WireAction() Action { return r.Action }

// PingRequest is the application-level heartbeat. Never awaited.
type PingRequest struct {
	Action Action `json:"action"`
	T      int64  `json:"t"`
}

func (r PingRequest) WireAction() Action { return r.Action }

// SyncAllRequest asks for a full announcement sync.
type SyncAllRequest struct {
	Action Action `json:"action"`
}

func (r SyncAllRequest) WireAction() Action { return r.Action }

// AuthResponse is the payload of auth / resume_session replies.
type AuthResponse struct {
	SessionToken string `json:"session_token"`
	Username     string `json:"username"`
	Role         string `json:"role"`
}
