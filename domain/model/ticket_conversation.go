package model

import (
	"fmt"
	"time"
)

type ConversationEntry struct {
	TimeStamp time.Time `json:"created_at"`
	Text      string    `json:"content"`
	Author    string    `json:"author"`
	AsServer  bool      `json:"as_server"`
}

type TicketConversation struct {
	TicketID  uint                `json:"ticket_id"`
	UserName  string              `json:"user_name"`
	CreatedAt string              `json:"created_at"`
	Entries   []ConversationEntry `json:"entries"`
}

func (c ConversationEntry) String() string {
	author := c.Author
	if c.AsServer {
		author += " (staff)"
	}
	return fmt.Sprintf("time:%s author:%s content:%s", c.TimeStamp, author, c.Text)
}

func (c TicketConversation) String() string {
	return fmt.Sprintf("ticket:%d opened:%s user:%s entries:%v", c.TicketID, c.CreatedAt, c.UserName, c.Entries)
}
