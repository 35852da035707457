package handler

import (
	"fmt"
	"testing"
	"time"

	"github.com/relayhq/modmail/domain/model"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
)

func makeResponses(n int) []model.TicketResponse {
	responses := make([]model.TicketResponse, 0, n)
	for i := 0; i < n; i++ {
		responses = append(responses, model.TicketResponse{
			ID:        uint(i + 1),
			TicketID:  1,
			AuthorID:  "user_a",
			Body:      fmt.Sprintf("message %d", i+1),
			CreatedAt: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		})
	}
	return responses
}

func TestRenderTicketPages_Pagination(t *testing.T) {
	ticket := &model.Ticket{ID: 1, UserID: "user_a", Open: true, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	tests := []struct {
		responses int
		pages     int
		lastPage  int
	}{
		{0, 1, 0},
		{1, 1, 1},
		{10, 1, 10},
		{11, 2, 1},
		{20, 2, 10},
		{21, 3, 1},
	}
	for _, tt := range tests {
		pages := renderTicketPages(ticket, "alice", makeResponses(tt.responses))
		assert.Len(t, pages, tt.pages, "responses=%d", tt.responses)

		// 各ページ: ヘッダ + 概要 + 区切り + 返信 + ページ表示
		last := pages[len(pages)-1]
		assert.Len(t, last, 3+tt.lastPage+1, "responses=%d", tt.responses)
	}
}

func TestRenderTicketPages_Deterministic(t *testing.T) {
	ticket := &model.Ticket{ID: 7, UserID: "user_a", Open: true, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	responses := makeResponses(15)

	first := renderTicketPages(ticket, "alice", responses)
	second := renderTicketPages(ticket, "alice", responses)
	assert.Equal(t, first, second)
}

func TestDisplayBlocks_ClampsPage(t *testing.T) {
	ticket := &model.Ticket{ID: 1, UserID: "user_a", Open: true, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pages := renderTicketPages(ticket, "alice", makeResponses(25))
	assert.Len(t, pages, 3)

	// 範囲外の指定は端にとどまる
	low := displayBlocks(pages, -1)
	assert.Equal(t, low[:len(low)-1], pages[0])
	high := displayBlocks(pages, 99)
	assert.Equal(t, high[:len(high)-1], pages[2])

	// 最後のブロックは操作ボタン
	actions, ok := high[len(high)-1].(*slack.ActionBlock)
	assert.True(t, ok)
	assert.Len(t, actions.Elements.ElementSet, 5)

	// ボタンのvalueは現在ページ番号
	button, ok := actions.Elements.ElementSet[0].(*slack.ButtonBlockElement)
	assert.True(t, ok)
	assert.Equal(t, "2", button.Value)
}
