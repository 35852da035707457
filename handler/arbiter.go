package handler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhq/modmail/domain/infra"
	"github.com/slack-go/slack"
)

// 確認プロンプトの結果。タイムアウトや拒否はエラーではなく通常の結果
type ConfirmResult int

const (
	Confirmed ConfirmResult = iota
	Declined
	Expired
)

// 収集プロンプトが捕捉したメッセージ
type CollectedMessage struct {
	Text        string
	Attachments []Attachment
	Timestamp   string
}

type promptKey struct {
	actor     string
	messageTS string
}

type collectKey struct {
	actor   string
	channel string
}

type collectWaiter struct {
	messageTS string
	ch        chan *CollectedMessage // nil はキャンセル
}

// Arbiter は時間制限つきの対話プロンプトを (操作者, プロンプトメッセージ)
// 単位で調停する。複数のプロンプトは互いに独立で、1つのプロンプト内の
// 競合する待機 (yes/no、メッセージ/キャンセル) は先着1件だけが解決する
type Arbiter struct {
	client         infra.SlackAPI
	confirmTimeout time.Duration
	collectTimeout time.Duration

	mu       sync.Mutex
	confirms map[promptKey]chan bool
	collects map[collectKey]*collectWaiter
}

func NewArbiter(client infra.SlackAPI, confirmTimeout, collectTimeout time.Duration) *Arbiter {
	return &Arbiter{
		client:         client,
		confirmTimeout: confirmTimeout,
		collectTimeout: collectTimeout,
		confirms:       make(map[promptKey]chan bool),
		collects:       make(map[collectKey]*collectWaiter),
	}
}

// Confirm は yes/no プロンプトを掲示して操作者の応答を待つ。
// どの経路でもプロンプトメッセージは削除される
func (a *Arbiter) Confirm(channelID, actorID, question string) (ConfirmResult, error) {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", question, false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"confirm_actions",
			slack.NewButtonBlockElement(actionConfirmYes, actorID,
				slack.NewTextBlockObject("plain_text", "Yes", false, false)).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(actionConfirmNo, actorID,
				slack.NewTextBlockObject("plain_text", "No", false, false)).WithStyle(slack.StyleDanger),
		),
	}

	_, ts, err := a.client.PostMessage(channelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return Expired, fmt.Errorf("failed to post confirmation prompt: %w", err)
	}
	defer a.deletePrompt(channelID, ts)

	key := promptKey{actor: actorID, messageTS: ts}
	ch := make(chan bool, 1)
	a.mu.Lock()
	a.confirms[key] = ch
	a.mu.Unlock()

	timer := time.NewTimer(a.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmed := <-ch:
		if confirmed {
			return Confirmed, nil
		}
		return Declined, nil
	case <-timer.C:
		if a.takeConfirm(key) != nil {
			return Expired, nil
		}
		// 勝者が登録を外した直後にタイマーが発火した場合。応答は配送済み
		if confirmed := <-ch; confirmed {
			return Confirmed, nil
		}
		return Declined, nil
	}
}

// Collect は「次のメッセージを待っています」プロンプトを掲示し、操作者の
// 次のメッセージかキャンセル、または時間切れの先着1件で解決する。
// キャンセルと時間切れでは nil を返す
func (a *Arbiter) Collect(channelID, actorID, description string) (*CollectedMessage, error) {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", description, false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"collect_actions",
			slack.NewButtonBlockElement(actionCollectCancel, actorID,
				slack.NewTextBlockObject("plain_text", "Cancel", false, false)).WithStyle(slack.StyleDanger),
		),
	}

	_, ts, err := a.client.PostMessage(channelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return nil, fmt.Errorf("failed to post collection prompt: %w", err)
	}
	defer a.deletePrompt(channelID, ts)

	key := collectKey{actor: actorID, channel: channelID}
	waiter := &collectWaiter{
		messageTS: ts,
		ch:        make(chan *CollectedMessage, 1),
	}
	a.mu.Lock()
	// 同じ操作者が同じチャンネルで収集をやり直した場合、古い待機は
	// キャンセル扱いで解決する。放置すると誰にも解決されなくなる
	if old, ok := a.collects[key]; ok {
		old.ch <- nil
	}
	a.collects[key] = waiter
	a.mu.Unlock()

	timer := time.NewTimer(a.collectTimeout)
	defer timer.Stop()

	select {
	case message := <-waiter.ch:
		return message, nil
	case <-timer.C:
		if a.takeCollect(key, waiter) {
			return nil, nil
		}
		return <-waiter.ch, nil
	}
}

// OfferBlockAction はボタン押下をプロンプトに引き当てる。
// 指定の操作者が対象プロンプトを押した場合だけ消費して true を返す
func (a *Arbiter) OfferBlockAction(actorID, messageTS, actionID string) bool {
	switch actionID {
	case actionConfirmYes, actionConfirmNo:
		ch := a.takeConfirm(promptKey{actor: actorID, messageTS: messageTS})
		if ch == nil {
			return false
		}
		ch <- actionID == actionConfirmYes
		return true
	case actionCollectCancel:
		a.mu.Lock()
		for key, waiter := range a.collects {
			if key.actor == actorID && waiter.messageTS == messageTS {
				delete(a.collects, key)
				a.mu.Unlock()
				waiter.ch <- nil
				return true
			}
		}
		a.mu.Unlock()
		return false
	}
	return false
}

// OfferMessage はチャンネル内のメッセージを収集プロンプトに引き当てる。
// 待機中の操作者本人のメッセージだけ消費して true を返す
func (a *Arbiter) OfferMessage(actorID, channelID string, message *CollectedMessage) bool {
	a.mu.Lock()
	key := collectKey{actor: actorID, channel: channelID}
	waiter, ok := a.collects[key]
	if !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.collects, key)
	a.mu.Unlock()

	waiter.ch <- message
	return true
}

// 登録を外して待機チャネルを返す。既に解決済みなら nil
func (a *Arbiter) takeConfirm(key promptKey) chan bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.confirms[key]
	if !ok {
		return nil
	}
	delete(a.confirms, key)
	return ch
}

// タイムアウト側が勝った場合に true
func (a *Arbiter) takeCollect(key collectKey, waiter *collectWaiter) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.collects[key]
	if !ok || current != waiter {
		return false
	}
	delete(a.collects, key)
	return true
}

func (a *Arbiter) deletePrompt(channelID, ts string) {
	if _, _, err := a.client.DeleteMessage(channelID, ts); err != nil {
		// 削除済みは致命的ではない
		slog.Warn("failed to delete prompt message", slog.String("ts", ts), slog.Any("err", err))
	}
}
