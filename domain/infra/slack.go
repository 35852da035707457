package infra

import "github.com/slack-go/slack"

type SlackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessage(channelID, ts string) (string, string, error)
	AddReaction(name string, item slack.ItemRef) error
	PostEphemeral(channelID, userID string, options ...slack.MsgOption) (string, error)
	AuthTest() (*slack.AuthTestResponse, error)
	GetUserInfo(userID string) (*slack.User, error)
	GetUserGroupMembers(userGroup string) ([]string, error)
}
