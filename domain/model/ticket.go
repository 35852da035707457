package model

import "time"

type Ticket struct {
	ID               uint   `gorm:"primary_key"`
	UserID           string `gorm:"type:varchar(50)"` // 外部ユーザーの Slack ユーザー ID
	Open             bool
	DisplayMessageTS string `gorm:"type:varchar(20)"` // 共有チャンネル上の表示メッセージの ts
	CreatedAt        time.Time
	ClosedAt         time.Time
}

type TicketResponse struct {
	ID        uint   `gorm:"primary_key"`
	TicketID  uint   `gorm:"index"`
	AuthorID  string `gorm:"type:varchar(50)"` // 投稿者の Slack ユーザー ID
	Body      string `gorm:"type:text"`
	AsServer  bool   // スタッフがサーバーとして返信した場合 true
	CreatedAt time.Time
}

// ユーザー単位で1件だけ保持する (upsert)
type Timeout struct {
	UserID    string `gorm:"type:varchar(50);primary_key"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// 現在タイムアウト中かどうかは行の有無ではなく期限との比較で判定する
func (t *Timeout) ActiveAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}
