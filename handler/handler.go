package handler

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/relayhq/modmail/domain/infra"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultCollectWait    = 10 * time.Minute

	// タイムアウト操作で設定する受付停止期間
	timeoutDuration = 24 * time.Hour
)

const developerNotice = "Something went wrong. Please contact a bot developer."

type Handler struct {
	client  infra.SlackAPI
	ds      infra.Datastore
	ai      *infra.OpenAI
	arbiter *Arbiter

	userInfoCache    *ttlcache.Cache[string, *slack.User]
	groupMemberCache *ttlcache.Cache[string, []string]
	joinNoticeCache  *ttlcache.Cache[string, struct{}]

	channelID     string
	allowedGroups []string
	joinHint      string

	// botID/teamName は複数のgoroutineから遅延取得されうる
	botMu    sync.Mutex
	botID    string
	teamName string
}

func NewHandler() (*Handler, error) {
	var ds infra.Datastore
	var err error
	if os.Getenv("DB_DRIVER") == "dynamodb" {
		ds, err = infra.NewDynamoDB()
		if err != nil {
			return nil, err
		}
	} else {
		ds, err = infra.NewDataBase()
		if err != nil {
			return nil, err
		}
	}

	channelID := os.Getenv("MODMAIL_CHANNEL")
	if channelID == "" {
		return nil, fmt.Errorf("MODMAIL_CHANNEL is not set")
	}

	ai, err := infra.NewOpenAI()
	if err != nil {
		return nil, err
	}

	var allowedGroups []string
	for _, env := range []string{"ALLOWED_GROUP_ID", "SECONDARY_GROUP_ID"} {
		if id := os.Getenv(env); id != "" {
			allowedGroups = append(allowedGroups, id)
		}
	}

	joinHint := os.Getenv("JOIN_HINT")
	if joinHint == "" {
		joinHint = "You are not a member of the community this ModMail serves, so your message was not delivered. Please join first."
	}

	api := slack.New(os.Getenv("SLACK_BOT_TOKEN"))
	h := &Handler{
		client:           api,
		ds:               ds,
		ai:               ai,
		arbiter:          NewArbiter(api, envDuration("CONFIRM_TIMEOUT", defaultConfirmTimeout), envDuration("REPLY_WAIT_TIMEOUT", defaultCollectWait)),
		userInfoCache:    ttlcache.New(ttlcache.WithTTL[string, *slack.User](24 * time.Hour)),
		groupMemberCache: ttlcache.New(ttlcache.WithTTL[string, []string](time.Hour)),
		joinNoticeCache:  ttlcache.New(ttlcache.WithTTL[string, struct{}](24 * time.Hour)),
		channelID:        channelID,
		allowedGroups:    allowedGroups,
		joinHint:         joinHint,
	}
	go h.userInfoCache.Start()
	go h.groupMemberCache.Start()
	go h.joinNoticeCache.Start()
	return h, nil
}

func timeNow() time.Time {
	return time.Now().UTC()
}

func envDuration(env string, fallback time.Duration) time.Duration {
	raw := os.Getenv(env)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Error("invalid duration, using default", slog.String("env", env), slog.String("value", raw))
		return fallback
	}
	return d
}

func (h *Handler) Handle() error {
	webApi := slack.New(
		os.Getenv("SLACK_BOT_TOKEN"),
		slack.OptionAppLevelToken(os.Getenv("SLACK_APP_TOKEN")),
	)
	socketMode := socketmode.New(
		webApi,
	)
	authTest, authTestErr := webApi.AuthTest()
	if authTestErr != nil {
		fmt.Fprintf(os.Stderr, "SLACK_BOT_TOKEN is invalid: %v\n", authTestErr)
		os.Exit(1)
	}
	h.botMu.Lock()
	h.botID = authTest.UserID
	h.teamName = authTest.Team
	h.botMu.Unlock()

	go func() {
		for envelope := range socketMode.Events {
			switch envelope.Type {
			case socketmode.EventTypeEventsAPI:
				socketMode.Ack(*envelope.Request)
				eventPayload, ok := envelope.Data.(slackevents.EventsAPIEvent)
				if !ok {
					slog.Error("Failed to cast to EventsAPIEvent")
					continue
				}
				h.handleCallBack(&eventPayload)
			case socketmode.EventTypeInteractive:
				socketMode.Ack(*envelope.Request)
				callback, ok := envelope.Data.(slack.InteractionCallback)
				if !ok {
					slog.Error("Failed to cast to InteractionCallback")
					continue
				}
				// プロンプト待機中も他のイベント処理を止めない
				go h.handleInteractions(&callback)
			case socketmode.EventTypeSlashCommand:
				socketMode.Ack(*envelope.Request)
				command, ok := envelope.Data.(slack.SlashCommand)
				if !ok {
					slog.Error("Failed to cast to SlashCommand")
					continue
				}
				go h.handleSlashCommand(&command)
			default:
				socketMode.Debugf("Skipped: %v", envelope.Type)
			}
		}
	}()

	return socketMode.Run()
}

func (h *Handler) handleCallBack(event *slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// 自分やボットの投稿、編集・削除イベントは対象外
			if ev.User == "" || ev.User == h.getBotUserID() || ev.BotID != "" {
				return
			}
			if ev.SubType != "" && ev.SubType != "file_share" {
				return
			}
			if ev.ChannelType == "im" {
				h.handleDirectMessage(ev)
				return
			}
			if ev.Channel == h.channelID {
				h.arbiter.OfferMessage(ev.User, ev.Channel, collectedFromEvent(ev))
			}
		}
	default:
		slog.Warn("Unsupported EventsAPIEvent type", slog.Any("type", event.Type))
	}
}

func collectedFromEvent(ev *slackevents.MessageEvent) *CollectedMessage {
	var attachments []Attachment
	for _, f := range ev.Files {
		attachments = append(attachments, Attachment{
			URL:      f.URLPrivate,
			Mimetype: f.Mimetype,
		})
	}
	return &CollectedMessage{
		Text:        ev.Text,
		Attachments: attachments,
		Timestamp:   ev.TimeStamp,
	}
}

func (h *Handler) handleInteractions(callback *slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	if len(callback.ActionCallback.BlockActions) < 1 {
		return
	}
	action := callback.ActionCallback.BlockActions[0]
	actorID := callback.User.ID
	messageTS := callback.Message.Timestamp

	// 進行中のプロンプトのボタンが最優先
	if h.arbiter.OfferBlockAction(actorID, messageTS, action.ActionID) {
		return
	}

	button, ok := buttonActionFromID(action.ActionID)
	if !ok {
		return
	}

	switch button {
	case ButtonReply, ButtonClose, ButtonTimeout:
		ticket, err := h.ds.GetTicketByDisplayMessage(messageTS)
		if err != nil {
			slog.Error("GetTicketByDisplayMessage failed", slog.Any("err", err))
			h.postEphemeral(actorID, developerNotice)
			return
		}
		if ticket == nil || !ticket.Open {
			h.postEphemeral(actorID, "This ticket is no longer open. Please refresh.")
			return
		}
		switch button {
		case ButtonReply:
			h.replyTicket(actorID, ticket)
		case ButtonClose:
			h.closeTicket(actorID, ticket)
		case ButtonTimeout:
			h.timeoutUser(actorID, ticket.UserID)
		}
	case ButtonPrevPage, ButtonNextPage:
		delta := 1
		if button == ButtonPrevPage {
			delta = -1
		}
		page, err := strconv.Atoi(action.Value)
		if err != nil {
			slog.Error("invalid page value", slog.String("value", action.Value))
			return
		}
		h.changePage(actorID, messageTS, page+delta)
	}
}

func (h *Handler) handleSlashCommand(command *slack.SlashCommand) {
	if command.ChannelID != h.channelID {
		h.postEphemeral(command.UserID, "Command must be used in the modmail channel.")
		return
	}

	if command.Command == "/mm-summary" {
		h.summarizeTicket(command.UserID, command.Text)
		return
	}

	targetID, ok := parseMemberRef(command.Text)
	if !ok {
		h.postEphemeral(command.UserID, "Please specify a valid user.")
		return
	}
	if targetID == h.getBotUserID() {
		h.postEphemeral(command.UserID, "Invalid user specified.")
		return
	}

	switch command.Command {
	case "/mm-open":
		h.openTicket(command.UserID, targetID)
	case "/mm-refresh":
		h.refreshTicket(command.UserID, targetID)
	case "/mm-close":
		h.closeTicketFor(command.UserID, targetID)
	case "/mm-timeout":
		h.timeoutUser(command.UserID, targetID)
	case "/mm-untimeout":
		h.untimeoutUser(command.UserID, targetID)
	default:
		slog.Warn("Unsupported slash command", slog.String("command", command.Command))
	}
}

func (h *Handler) getUserInfo(userID string) (*slack.User, error) {
	cacheKey := "user_" + userID
	if user := h.userInfoCache.Get(cacheKey); user != nil {
		return user.Value(), nil
	}
	user, err := h.client.GetUserInfo(userID)
	if err != nil {
		return nil, err
	}
	h.userInfoCache.Set(cacheKey, user, ttlcache.DefaultTTL)
	return user, nil
}

func getUserPreferredName(user *slack.User) string {
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return user.Name
}

// 表示名の解決。失敗してもメンション可能なIDで代替する
func (h *Handler) displayName(userID string) string {
	user, err := h.getUserInfo(userID)
	if err != nil {
		slog.Error("GetUserInfo failed", slog.String("user", userID), slog.Any("err", err))
		return userID
	}
	return getUserPreferredName(user)
}

// ボット自身のIDとチーム名。未取得なら AuthTest で補う
func (h *Handler) botIdentity() (string, string) {
	h.botMu.Lock()
	defer h.botMu.Unlock()
	if h.botID == "" {
		authResp, err := h.client.AuthTest()
		if err != nil {
			slog.Error("Failed to get bot user ID", slog.Any("err", err))
			return h.botID, h.teamName
		}
		h.botID = authResp.UserID
		h.teamName = authResp.Team
	}
	return h.botID, h.teamName
}

func (h *Handler) getBotUserID() string {
	botID, _ := h.botIdentity()
	return botID
}

func (h *Handler) getTeamName() string {
	_, teamName := h.botIdentity()
	return teamName
}

// スタッフチャンネルへの控えめなエラー表示
func (h *Handler) postEphemeral(userID, text string) {
	if _, err := h.client.PostEphemeral(h.channelID, userID, slack.MsgOptionText(text, false)); err != nil {
		slog.Error("Failed to post ephemeral message", slog.Any("err", err))
	}
}
