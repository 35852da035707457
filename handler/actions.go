package handler

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/relayhq/modmail/domain/infra"
	"github.com/relayhq/modmail/domain/model"
	"github.com/slack-go/slack"
)

// チケットを描画して新しい表示メッセージを投稿し、tsを記録する。
// 常に最新の返信を含む最終ページを表示する
func (h *Handler) postDisplay(ticket *model.Ticket) (string, error) {
	responses, err := h.ds.ListResponses(ticket.ID)
	if err != nil {
		return "", fmt.Errorf("ListResponses failed: %w", err)
	}
	pages := renderTicketPages(ticket, h.displayName(ticket.UserID), responses)

	_, ts, err := h.client.PostMessage(
		h.channelID,
		slack.MsgOptionBlocks(displayBlocks(pages, len(pages)-1)...),
	)
	if err != nil {
		return "", fmt.Errorf("PostMessage failed: %w", err)
	}

	if _, err := h.ds.SetDisplayMessage(ticket.ID, ts); err != nil {
		return "", fmt.Errorf("SetDisplayMessage failed: %w", err)
	}
	ticket.DisplayMessageTS = ts
	return ts, nil
}

// 既存の表示メッセージをその場で描画し直す
func (h *Handler) updateDisplay(ticket *model.Ticket, page int) error {
	responses, err := h.ds.ListResponses(ticket.ID)
	if err != nil {
		return fmt.Errorf("ListResponses failed: %w", err)
	}
	pages := renderTicketPages(ticket, h.displayName(ticket.UserID), responses)
	if page < 0 {
		page = len(pages) - 1
	}

	_, _, _, err = h.client.UpdateMessage(
		h.channelID,
		ticket.DisplayMessageTS,
		slack.MsgOptionBlocks(displayBlocks(pages, page)...),
	)
	if err != nil {
		return fmt.Errorf("UpdateMessage failed: %w", err)
	}
	return nil
}

func (h *Handler) openTicket(staffID, targetID string) {
	existing, err := h.ds.GetTicketByUser(targetID)
	if err != nil {
		slog.Error("GetTicketByUser failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	if existing != nil {
		h.postEphemeral(staffID, fmt.Sprintf("There is already a ticket open for %s.", h.displayName(targetID)))
		return
	}

	id, err := h.ds.CreateTicket(targetID)
	if err == infra.ErrTicketAlreadyOpen {
		h.postEphemeral(staffID, fmt.Sprintf("There is already a ticket open for %s.", h.displayName(targetID)))
		return
	}
	if err != nil {
		slog.Error("CreateTicket failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}

	ticket, err := h.ds.GetTicket(id)
	if err != nil || ticket == nil {
		slog.Error("GetTicket failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}

	if _, err := h.postDisplay(ticket); err != nil {
		slog.Error("postDisplay failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	slog.Info("Ticket opened by staff", slog.Any("ticket", ticket.ID), slog.String("staff", staffID), slog.String("user", targetID))
}

func (h *Handler) refreshTicket(staffID, targetID string) {
	ticket, err := h.ds.GetTicketByUser(targetID)
	if err != nil {
		slog.Error("GetTicketByUser failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	if ticket == nil {
		h.postEphemeral(staffID, fmt.Sprintf("There is no ticket open for %s.", h.displayName(targetID)))
		return
	}

	oldTS := ticket.DisplayMessageTS
	if _, err := h.postDisplay(ticket); err != nil {
		slog.Error("postDisplay failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}

	// 古い表示は消えていても構わない
	if oldTS != "" {
		if _, _, err := h.client.DeleteMessage(h.channelID, oldTS); err != nil && !isMessageNotFound(err) {
			slog.Warn("failed to delete old display message", slog.Any("err", err))
		}
	}
}

func (h *Handler) closeTicketFor(staffID, targetID string) {
	ticket, err := h.ds.GetTicketByUser(targetID)
	if err != nil {
		slog.Error("GetTicketByUser failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	if ticket == nil {
		h.postEphemeral(staffID, fmt.Sprintf("There is no ticket open for %s.", h.displayName(targetID)))
		return
	}
	h.closeTicket(staffID, ticket)
}

func (h *Handler) closeTicket(staffID string, ticket *model.Ticket) {
	userName := h.displayName(ticket.UserID)
	result, err := h.arbiter.Confirm(h.channelID, staffID,
		fmt.Sprintf("Do you want to close the ModMail conversation for *%s*?", userName))
	if err != nil {
		slog.Error("Confirm failed", slog.Any("err", err))
		return
	}
	if result != Confirmed {
		return
	}

	if _, err := h.ds.CloseTicket(ticket.ID); err != nil {
		slog.Error("CloseTicket failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}

	if ticket.DisplayMessageTS != "" {
		if _, _, err := h.client.DeleteMessage(h.channelID, ticket.DisplayMessageTS); err != nil && !isMessageNotFound(err) {
			slog.Warn("failed to delete display message", slog.Any("err", err))
		}
	}

	if _, _, err := h.client.PostMessage(h.channelID, slack.MsgOptionText(
		fmt.Sprintf("*%s* closed the ModMail conversation for *%s*", h.displayName(staffID), userName), false,
	)); err != nil {
		slog.Error("failed to post closure notice", slog.Any("err", err))
	}
	slog.Info("Ticket closed", slog.Any("ticket", ticket.ID), slog.String("staff", staffID), slog.String("user", ticket.UserID))
}

func (h *Handler) replyTicket(staffID string, ticket *model.Ticket) {
	user, err := h.getUserInfo(ticket.UserID)
	if err != nil || user.Deleted {
		h.postEphemeral(staffID, "Cannot reply to ticket as user is no longer reachable.")
		return
	}
	userName := getUserPreferredName(user)

	message, err := h.arbiter.Collect(h.channelID, staffID,
		fmt.Sprintf("Replying to ModMail conversation for *%s*. Your next message in this channel will be relayed.", userName))
	if err != nil {
		slog.Error("Collect failed", slog.Any("err", err))
		return
	}
	if message == nil {
		// キャンセルまたは時間切れ
		return
	}

	body := formatMessageBody(message.Text, message.Attachments)
	if body == "" {
		return
	}
	if utf8.RuneCountInString(body) > maxBodyLength {
		h.notifyUser(h.channelID, "Your message is too long. Please shorten your message or send in multiple parts.")
		return
	}

	// 先に記録してから通知する。通知失敗は別途チャンネルに表示する
	if _, err := h.ds.AppendResponse(ticket.ID, staffID, body, true); err != nil {
		slog.Error("AppendResponse failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}

	if err := h.sendUserMail(ticket.UserID, body); err != nil {
		slog.Warn("failed to DM ticket user", slog.String("user", ticket.UserID), slog.Any("err", err))
		h.notifyUser(h.channelID, "Could not send ModMail message to specified user due to privacy settings.")
	}

	if ticket.DisplayMessageTS != "" {
		if err := h.updateDisplay(ticket, -1); err != nil {
			slog.Error("updateDisplay failed", slog.Any("err", err))
		}
	}
	slog.Info("Staff reply recorded", slog.Any("ticket", ticket.ID), slog.String("staff", staffID))
}

// スタッフの返信をユーザーのDMに届ける
func (h *Handler) sendUserMail(userID, body string) error {
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", fmt.Sprintf("📨 New Mail from %s", h.getTeamName()), false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", body, false, false),
			nil, nil,
		),
	}
	_, _, err := h.client.PostMessage(userID, slack.MsgOptionBlocks(blocks...))
	return err
}

func (h *Handler) timeoutUser(staffID, targetID string) {
	userName := h.displayName(targetID)
	result, err := h.arbiter.Confirm(h.channelID, staffID,
		fmt.Sprintf("Do you want to timeout *%s* for 24 hours?", userName))
	if err != nil {
		slog.Error("Confirm failed", slog.Any("err", err))
		return
	}
	if result != Confirmed {
		return
	}

	expiresAt := timeNow().Add(timeoutDuration)
	if err := h.ds.SetTimeout(targetID, expiresAt); err != nil {
		slog.Error("SetTimeout failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	slog.Info("User timed out", slog.String("user", targetID), slog.String("staff", staffID))

	h.notifyUser(h.channelID, fmt.Sprintf(
		"%s has been successfully timed out for 24 hours. They will be able to message ModMail again after %s.",
		userName, slackDate(expiresAt)))

	if _, _, err := h.client.PostMessage(targetID, slack.MsgOptionText(fmt.Sprintf(
		"You have been timed out. You will be able to message ModMail again after %s.", slackDate(expiresAt)), false,
	)); err != nil {
		h.notifyUser(h.channelID, "Could not send timeout message to specified user due to privacy settings.")
	}
}

func (h *Handler) untimeoutUser(staffID, targetID string) {
	timeout, err := h.ds.GetTimeout(targetID)
	if err != nil {
		slog.Error("GetTimeout failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	userName := h.displayName(targetID)
	if timeout == nil || !timeout.ActiveAt(timeNow()) {
		h.postEphemeral(staffID, fmt.Sprintf("%s is not currently timed out.", userName))
		return
	}

	result, err := h.arbiter.Confirm(h.channelID, staffID, fmt.Sprintf(
		"Do you want to untimeout *%s* (they are currently timed out until %s)?",
		userName, slackDate(timeout.ExpiresAt)))
	if err != nil {
		slog.Error("Confirm failed", slog.Any("err", err))
		return
	}
	if result != Confirmed {
		return
	}

	// 行を消すのではなく期限を現在時刻にして即時失効させる
	if err := h.ds.SetTimeout(targetID, timeNow()); err != nil {
		slog.Error("SetTimeout failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	slog.Info("Timeout removed", slog.String("user", targetID), slog.String("staff", staffID))

	h.notifyUser(h.channelID, fmt.Sprintf("Timeout has been removed for %s.", userName))

	if _, _, err := h.client.PostMessage(targetID, slack.MsgOptionText(
		"Your timeout has been removed. You can message ModMail again.", false,
	)); err != nil {
		h.notifyUser(h.channelID, "Could not send untimeout message to specified user due to privacy settings.")
	}
}

// 表示メッセージのページ送り
func (h *Handler) changePage(staffID, messageTS string, targetPage int) {
	ticket, err := h.ds.GetTicketByDisplayMessage(messageTS)
	if err != nil {
		slog.Error("GetTicketByDisplayMessage failed", slog.Any("err", err))
		return
	}
	if ticket == nil {
		h.postEphemeral(staffID, "Please refresh this ticket to be able to use pagination.")
		return
	}
	if err := h.updateDisplay(ticket, targetPage); err != nil {
		slog.Error("updateDisplay failed", slog.Any("err", err))
	}
}

func (h *Handler) summarizeTicket(staffID, arg string) {
	if h.ai == nil {
		h.postEphemeral(staffID, "Summaries are disabled. Set OPENAI_API_KEY to enable them.")
		return
	}

	targetID, ok := parseMemberRef(arg)
	if !ok {
		h.postEphemeral(staffID, "Please specify a valid user.")
		return
	}

	ticket, err := h.ds.GetTicketByUser(targetID)
	if err != nil {
		slog.Error("GetTicketByUser failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}
	if ticket == nil {
		h.postEphemeral(staffID, fmt.Sprintf("There is no ticket open for %s.", h.displayName(targetID)))
		return
	}

	responses, err := h.ds.ListResponses(ticket.ID)
	if err != nil {
		slog.Error("ListResponses failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}

	conversation := model.TicketConversation{
		TicketID:  ticket.ID,
		UserName:  h.displayName(ticket.UserID),
		CreatedAt: ticket.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	}
	for _, r := range responses {
		conversation.Entries = append(conversation.Entries, model.ConversationEntry{
			TimeStamp: r.CreatedAt,
			Text:      r.Body,
			Author:    h.displayName(r.AuthorID),
			AsServer:  r.AsServer,
		})
	}

	summary, err := h.ai.GenerateSummary(conversation)
	if err != nil {
		slog.Error("GenerateSummary failed", slog.Any("err", err))
		h.postEphemeral(staffID, developerNotice)
		return
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", fmt.Sprintf("📝 Summary for %s", conversation.UserName), false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", summary, false, false),
			nil, nil,
		),
	}
	if _, _, err := h.client.PostMessage(h.channelID, slack.MsgOptionBlocks(blocks...)); err != nil {
		slog.Error("failed to post summary", slog.Any("err", err))
	}
}
