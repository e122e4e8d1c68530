package models

// AwarenessState is a user's ephemeral presence in a session — cursor,
// selection, display color. It lives outside the document state and is
// never persisted with it.
type AwarenessState struct {
	ClientID string          `json:"client_id"`
	User     *UserInfo       `json:"user,omitempty"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
	State    map[string]any  `json:"state,omitempty"`
}

// UserInfo is the presence-facing slice of a user.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"` // hex color for cursor/highlight
}

// CursorPosition is where a user's cursor sits in the shared document.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}
