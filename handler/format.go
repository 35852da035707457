package handler

import (
	"fmt"
	"regexp"
	"strings"
)

// 1通あたりの本文上限 (文字数)。超過分は受け付けずユーザーに分割を促す
const maxBodyLength = 1000

type Attachment struct {
	URL      string
	Mimetype string
}

// 本文と添付の説明行を連結して保存用の本文を作る
func formatMessageBody(text string, attachments []Attachment) string {
	body := strings.TrimSpace(text)
	for _, a := range attachments {
		kind := "Unknown"
		if strings.HasPrefix(a.Mimetype, "image") {
			kind = "Image"
		} else if strings.HasPrefix(a.Mimetype, "video") {
			kind = "Video"
		}
		body += fmt.Sprintf("\n[%s Attachment](%s)", kind, a.URL)
	}
	return strings.TrimSpace(body)
}

var (
	userIDPattern  = regexp.MustCompile(`^[UW][A-Z0-9]{8,}$`)
	mentionPattern = regexp.MustCompile(`^<@([UW][A-Z0-9]{8,})(?:\|[^>]*)?>$`)
)

// コマンド引数の <@U…> 形式または素のユーザーIDを受け付ける
func parseMemberRef(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if userIDPattern.MatchString(input) {
		return input, true
	}
	if m := mentionPattern.FindStringSubmatch(input); m != nil {
		return m[1], true
	}
	return "", false
}
