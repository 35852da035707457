package infra

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/relayhq/modmail/domain/model"
	"github.com/stretchr/testify/assert"
)

func TestTicketItem_SparseDisplayMessage(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// 表示前のチケットはGSIキー属性を持たない (空文字は書けない)
	item := ticketItem(&model.Ticket{
		ID:        1,
		UserID:    "user_a",
		Open:      true,
		CreatedAt: created,
	})
	_, present := item["display_message_ts"]
	assert.False(t, present)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, item["ticket_id"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "user_a"}, item["user_id"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, item["open"])

	// 表示済みなら属性が載り、読み戻しで同じチケットに戻る
	item = ticketItem(&model.Ticket{
		ID:               2,
		UserID:           "user_a",
		Open:             true,
		DisplayMessageTS: "1700000000.000100",
		CreatedAt:        created,
	})
	assert.Equal(t, &types.AttributeValueMemberS{Value: "1700000000.000100"}, item["display_message_ts"])

	ticket, err := ticketFromItem(item)
	assert.NoError(t, err)
	assert.Equal(t, uint(2), ticket.ID)
	assert.Equal(t, "1700000000.000100", ticket.DisplayMessageTS)
	assert.True(t, ticket.Open)
	assert.True(t, ticket.ClosedAt.IsZero())
}
