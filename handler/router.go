package handler

import (
	"fmt"
	"log/slog"
	"slices"
	"unicode/utf8"

	"github.com/jellydator/ttlcache/v3"
	"github.com/relayhq/modmail/domain/infra"
	"github.com/relayhq/modmail/domain/model"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// 外部ユーザーのDMを1通ずつチケットに取り込む。
// 途中で弾かれたメッセージは一切記録されない
func (h *Handler) handleDirectMessage(ev *slackevents.MessageEvent) {
	userID := ev.User
	dmChannel := ev.Channel

	if !h.isAllowedMember(userID) {
		h.sendJoinNotice(userID, dmChannel)
		return
	}

	timeout, err := h.ds.GetTimeout(userID)
	if err != nil {
		slog.Error("GetTimeout failed", slog.Any("err", err))
		h.notifyUser(dmChannel, developerNotice)
		return
	}
	if timeout != nil && timeout.ActiveAt(timeNow()) {
		h.notifyUser(dmChannel, fmt.Sprintf(
			"You have been timed out. You will be able to message ModMail again after %s (%s).",
			slackDate(timeout.ExpiresAt), timeout.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC")))
		return
	}

	message := collectedFromEvent(ev)
	body := formatMessageBody(message.Text, message.Attachments)
	if body == "" {
		return
	}
	if utf8.RuneCountInString(body) > maxBodyLength {
		h.notifyUser(dmChannel, "Your message is too long. Please shorten your message or send in multiple parts.")
		return
	}

	ticket, err := h.resolveOpenTicket(userID)
	if err != nil {
		slog.Error("resolveOpenTicket failed", slog.Any("err", err))
		h.notifyUser(dmChannel, developerNotice)
		return
	}

	if _, err := h.ds.AppendResponse(ticket.ID, userID, body, false); err != nil {
		slog.Error("AppendResponse failed", slog.Any("err", err))
		h.notifyUser(dmChannel, developerNotice)
		return
	}

	if ticket.DisplayMessageTS != "" {
		if _, _, err := h.client.DeleteMessage(h.channelID, ticket.DisplayMessageTS); err != nil {
			if isMessageNotFound(err) {
				h.notifyUser(dmChannel, "You are being rate limited. Please wait a few seconds before trying again.")
				return
			}
			slog.Warn("failed to delete old display message", slog.Any("err", err))
		}
	}

	if _, err := h.postDisplay(ticket); err != nil {
		slog.Error("postDisplay failed", slog.Any("err", err))
		h.notifyUser(dmChannel, developerNotice)
		return
	}

	// 受領をリアクションで知らせる
	if err := h.client.AddReaction("incoming_envelope", slack.NewRefToMessage(dmChannel, ev.TimeStamp)); err != nil {
		slog.Warn("AddReaction failed", slog.Any("err", err))
	}
}

// オープン中チケットを取得し、無ければ作る。作成が一意制約に負けた場合は
// 直後に作られたオープン中チケットを読み直す
func (h *Handler) resolveOpenTicket(userID string) (*model.Ticket, error) {
	ticket, err := h.ds.GetTicketByUser(userID)
	if err != nil {
		return nil, err
	}
	if ticket != nil {
		return ticket, nil
	}

	id, err := h.ds.CreateTicket(userID)
	if err == infra.ErrTicketAlreadyOpen {
		return h.ds.GetTicketByUser(userID)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Opened new ticket", slog.String("user", userID), slog.Any("ticket", id))
	return h.ds.GetTicket(id)
}

// 許可グループのいずれかに属しているか。グループ未設定ならゲートは開放
func (h *Handler) isAllowedMember(userID string) bool {
	if len(h.allowedGroups) == 0 {
		return true
	}
	for _, groupID := range h.allowedGroups {
		members, err := h.getGroupMembers(groupID)
		if err != nil {
			slog.Error("GetUserGroupMembers failed", slog.String("group", groupID), slog.Any("err", err))
			continue
		}
		if slices.Contains(members, userID) {
			return true
		}
	}
	return false
}

func (h *Handler) getGroupMembers(groupID string) ([]string, error) {
	if members := h.groupMemberCache.Get(groupID); members != nil {
		return members.Value(), nil
	}
	members, err := h.client.GetUserGroupMembers(groupID)
	if err != nil {
		return nil, err
	}
	h.groupMemberCache.Set(groupID, members, ttlcache.DefaultTTL)
	return members, nil
}

// 参加案内は24時間に1回だけ
func (h *Handler) sendJoinNotice(userID, dmChannel string) {
	if h.joinNoticeCache.Get(userID) != nil {
		return
	}
	h.joinNoticeCache.Set(userID, struct{}{}, ttlcache.DefaultTTL)
	h.notifyUser(dmChannel, h.joinHint)
}

func (h *Handler) notifyUser(channelID, text string) {
	if _, _, err := h.client.PostMessage(channelID, slack.MsgOptionText(text, false)); err != nil {
		slog.Error("Failed to notify user", slog.Any("err", err))
	}
}

func isMessageNotFound(err error) bool {
	return err != nil && err.Error() == "message_not_found"
}
