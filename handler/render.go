package handler

import (
	"fmt"
	"time"

	"github.com/relayhq/modmail/domain/model"
	"github.com/slack-go/slack"
)

// 1ページあたりの返信件数
const pageSize = 10

const (
	actionReply    = "mm_reply"
	actionClose    = "mm_close"
	actionTimeout  = "mm_timeout"
	actionPrevPage = "mm_prev_page"
	actionNextPage = "mm_next_page"

	actionConfirmYes    = "mm_confirm_yes"
	actionConfirmNo     = "mm_confirm_no"
	actionCollectCancel = "mm_collect_cancel"
)

// 表示メッセージのボタン種別。閉じた集合として網羅的に分岐する
type ButtonAction int

const (
	ButtonReply ButtonAction = iota
	ButtonClose
	ButtonTimeout
	ButtonPrevPage
	ButtonNextPage
)

func buttonActionFromID(actionID string) (ButtonAction, bool) {
	switch actionID {
	case actionReply:
		return ButtonReply, true
	case actionClose:
		return ButtonClose, true
	case actionTimeout:
		return ButtonTimeout, true
	case actionPrevPage:
		return ButtonPrevPage, true
	case actionNextPage:
		return ButtonNextPage, true
	}
	return 0, false
}

// Slack の日付マクロ。クライアント側でローカルタイムに展開される
func slackDate(t time.Time) string {
	return fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", t.Unix(), t.UTC().Format("2006-01-02 15:04:05 UTC"))
}

// チケットと返信一覧を表示ページ列に変換する純粋関数。
// 同じ入力からは常に同じページが得られる
func renderTicketPages(ticket *model.Ticket, userName string, responses []model.TicketResponse) [][]slack.Block {
	pageCount := (len(responses) + pageSize - 1) / pageSize
	if pageCount == 0 {
		pageCount = 1
	}

	pages := make([][]slack.Block, 0, pageCount)
	for page := 0; page < pageCount; page++ {
		blocks := []slack.Block{
			slack.NewHeaderBlock(
				slack.NewTextBlockObject("plain_text", fmt.Sprintf("📥 ModMail conversation for %s", userName), false, false),
			),
			slack.NewSectionBlock(
				slack.NewTextBlockObject("mrkdwn",
					fmt.Sprintf("*👤 User:* <@%s>\n*🎫 Ticket:* #%d\n*📅 Opened:* %s",
						ticket.UserID, ticket.ID, slackDate(ticket.CreatedAt)),
					false, false),
				nil, nil,
			),
			slack.NewDividerBlock(),
		}

		start := page * pageSize
		end := start + pageSize
		if end > len(responses) {
			end = len(responses)
		}
		for _, r := range responses[start:end] {
			author := "user"
			if r.AsServer {
				author = fmt.Sprintf("<@%s> as server", r.AuthorID)
			}
			blocks = append(blocks, slack.NewSectionBlock(
				slack.NewTextBlockObject("mrkdwn",
					fmt.Sprintf("*%s, %s wrote*\n%s", slackDate(r.CreatedAt), author, r.Body),
					false, false),
				nil, nil,
			))
		}

		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Page %d/%d", page+1, pageCount), false, false),
		))
		pages = append(pages, blocks)
	}

	return pages
}

// ページ本体に操作ボタンを付けて表示メッセージの全ブロックを作る。
// ボタンの value は現在ページ番号を運ぶ
func displayBlocks(pages [][]slack.Block, page int) []slack.Block {
	if page < 0 {
		page = 0
	}
	if page > len(pages)-1 {
		page = len(pages) - 1
	}
	pageValue := fmt.Sprintf("%d", page)

	blocks := append([]slack.Block{}, pages[page]...)
	blocks = append(blocks, slack.NewActionBlock(
		"ticket_actions",
		slack.NewButtonBlockElement(actionReply, pageValue,
			slack.NewTextBlockObject("plain_text", "💬 Reply", false, false)).WithStyle(slack.StylePrimary),
		slack.NewButtonBlockElement(actionClose, pageValue,
			slack.NewTextBlockObject("plain_text", "❎ Close", false, false)),
		slack.NewButtonBlockElement(actionTimeout, pageValue,
			slack.NewTextBlockObject("plain_text", "⏲️ Timeout", false, false)),
		slack.NewButtonBlockElement(actionPrevPage, pageValue,
			slack.NewTextBlockObject("plain_text", "⬅️", false, false)),
		slack.NewButtonBlockElement(actionNextPage, pageValue,
			slack.NewTextBlockObject("plain_text", "➡️", false, false)),
	))
	return blocks
}
