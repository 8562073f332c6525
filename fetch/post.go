package fetch

import (
	"encoding/json"
	"errors"
	"strconv"

	"otk-tracker/media"
	"otk-tracker/pkg/htmltext"
	"otk-tracker/pkg/tracker"
)

// post is the remote wire shape of one post.
type post struct {
	No       int64  `json:"no"`
	Time     int64  `json:"time"`
	Com      string `json:"com"`
	Sub      string `json:"sub"`
	Filename string `json:"filename"`
	Ext      string `json:"ext"`
	Tim      int64  `json:"tim"`
	W        int    `json:"w"`
	H        int    `json:"h"`
	TnW      int    `json:"tn_w"`
	TnH      int    `json:"tn_h"`
	MD5      string `json:"md5"`
}

func decodePost(raw json.RawMessage) (*post, error) {
	var p post
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.No <= 0 {
		return nil, errors.New("missing post number")
	}
	if p.Time <= 0 {
		return nil, errors.New("missing post time")
	}
	return &p, nil
}

// message normalizes p. fallback reports that the attachment has no usable
// hash and was keyed by remote file id instead. A file entry without a remote
// id cannot be downloaded and is dropped.
func (p *post) message(threadID tracker.ThreadID) (msg tracker.Message, fallback bool) {
	msg = tracker.Message{
		ID:       tracker.MessageID(p.No),
		ThreadID: threadID,
		Time:     p.Time,
		Text:     htmltext.Plain(p.Com),
		Title:    htmltext.Plain(p.Sub),
	}
	if p.Ext == "" || p.Tim <= 0 {
		return msg, false
	}

	remoteID := strconv.FormatInt(p.Tim, 10)
	key, fallback := media.ContentKey(p.MD5, remoteID, p.Ext)
	msg.Attachment = &tracker.Attachment{
		Filename:    htmltext.Plain(p.Filename),
		Ext:         p.Ext,
		Width:       p.W,
		Height:      p.H,
		ThumbWidth:  p.TnW,
		ThumbHeight: p.TnH,
		RemoteID:    remoteID,
		ContentKey:  key,
	}
	return msg, fallback
}
