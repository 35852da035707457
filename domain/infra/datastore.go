package infra

import (
	"time"

	"github.com/relayhq/modmail/domain/model"
)

type Datastore interface {
	// チケットをIDで取得する。存在しなければ nil
	GetTicket(id uint) (*model.Ticket, error)
	// ユーザーのオープン中チケットを取得する。存在しなければ nil
	GetTicketByUser(userID string) (*model.Ticket, error)
	// 表示メッセージのtsからチケットを逆引きする。存在しなければ nil
	GetTicketByDisplayMessage(ts string) (*model.Ticket, error)
	// チケットを新規作成してIDを返す
	CreateTicket(userID string) (uint, error)
	// 表示メッセージのtsを更新する。チケットが存在しなければ false
	SetDisplayMessage(id uint, ts string) (bool, error)
	// チケットをクローズする。チケットが存在しなければ false
	CloseTicket(id uint) (bool, error)
	// 返信を追記する
	AppendResponse(ticketID uint, authorID, body string, asServer bool) (uint, error)
	// チケットの返信を時刻昇順で取得する
	ListResponses(ticketID uint) ([]model.TicketResponse, error)

	// タイムアウトを1件取得する。存在しなければ nil
	GetTimeout(userID string) (*model.Timeout, error)
	// タイムアウトを upsert する
	SetTimeout(userID string, expiresAt time.Time) error
}

// オープン中チケットの一意制約に違反したときに CreateTicket が返す
var ErrTicketAlreadyOpen = errTicketAlreadyOpen{}

type errTicketAlreadyOpen struct{}

func (errTicketAlreadyOpen) Error() string {
	return "an open ticket already exists for this user"
}

func timeNow() time.Time {
	return time.Now().UTC()
}
