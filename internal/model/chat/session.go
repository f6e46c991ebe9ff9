package chat

import "time"

// DefaultTitle is assigned at creation and replaced after the first exchange.
const DefaultTitle = "New conversation"

// Session is one named conversation thread.
type Session struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	TitleIsPlaceholder bool      `json:"titleIsPlaceholder"`
	CreatedAt          time.Time `json:"createdAt"`
}
