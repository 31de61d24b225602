package server

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
)

const maxTitleLength = 100

func parseID(field, name string) (int64, error) {
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil || id <= 0 {
		return 0, protocolError("invalid %s %q", name, field)
	}
	return id, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// memberConversation loads the conversation named by field and checks
// the connection's user belongs to it
func (d *dispatcher) memberConversation(field string) (*database.Conversation, error) {
	id, err := parseID(field, "conversation id")
	if err != nil {
		return nil, err
	}
	conv, err := d.s.store.GetConversation(id)
	if err != nil {
		return nil, storeError("GetConversation", err)
	}
	if !conv.HasMember(d.user) {
		return nil, ErrPermission
	}
	return conv, nil
}

// othersIn returns the members of conv except the connection's user
func (d *dispatcher) othersIn(conv *database.Conversation) []string {
	others := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		if m != d.user {
			others = append(others, m)
		}
	}
	return others
}

func (d *dispatcher) handleCreateConversation(cmd command) ([]string, error) {
	title := strings.TrimSpace(cmd.Fields[0])
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return nil, protocolError("title must be 1-%d characters", maxTitleLength)
	}

	var members []string
	for _, m := range strings.Split(cmd.Fields[1], ",") {
		if m = strings.TrimSpace(m); m != "" {
			members = append(members, m)
		}
	}

	conv, err := d.s.store.CreateConversation(title, d.user, members)
	if err != nil {
		return nil, storeError("CreateConversation", err)
	}

	d.s.router.Deliver(d.othersIn(conv), protocol.Event(protocol.EventConversation, formatID(conv.ID), conv.Title, d.user))
	d.logger.Info().Int64("conversation", conv.ID).Int("members", len(conv.Members)).Msg("conversation created")
	return []string{formatID(conv.ID)}, nil
}

// handleListConversations leaves out conversations the user deleted and
// nobody has written to since
func (d *dispatcher) handleListConversations(cmd command) ([]string, error) {
	convs, err := d.s.store.ListConversations(d.user)
	if err != nil {
		return nil, storeError("ListConversations", err)
	}

	items := make([]string, 0, len(convs)*3)
	count := 0
	for _, c := range convs {
		latest, ok, err := d.s.store.LatestMessageAt(c.ID)
		if err != nil {
			return nil, storeError("LatestMessageAt", err)
		}
		if d.s.visibility.Hidden(c.ID, d.user, time.UnixMilli(latest), ok) {
			continue
		}
		items = append(items, formatID(c.ID), c.Title, strings.Join(c.Members, ","))
		count++
	}
	return append([]string{strconv.Itoa(count)}, items...), nil
}

// handleListMessages returns the most recent messages the user may see,
// oldest first
func (d *dispatcher) handleListMessages(cmd command) ([]string, error) {
	conv, err := d.memberConversation(cmd.Fields[0])
	if err != nil {
		return nil, err
	}
	limit, err := strconv.Atoi(cmd.Fields[1])
	if err != nil || limit < 0 {
		return nil, protocolError("invalid limit %q", cmd.Fields[1])
	}
	if limit == 0 || limit > d.s.config.HistoryPageSize {
		limit = d.s.config.HistoryPageSize
	}

	var since int64
	if mark, ok := d.s.visibility.GetWatermark(conv.ID, d.user); ok {
		since = mark.UnixMilli()
	}

	msgs, err := d.s.store.ListMessages(conv.ID, since, limit)
	if err != nil {
		return nil, storeError("ListMessages", err)
	}

	fields := make([]string, 0, 1+len(msgs)*5)
	fields = append(fields, strconv.Itoa(len(msgs)))
	for _, m := range msgs {
		fields = append(fields, formatID(m.ID), m.Sender, formatID(m.SentAt), m.Kind, m.Body)
	}
	return fields, nil
}

func (d *dispatcher) handleSendMessage(cmd command) ([]string, error) {
	conv, err := d.memberConversation(cmd.Fields[0])
	if err != nil {
		return nil, err
	}
	text := cmd.Fields[1]
	if text == "" {
		return nil, protocolError("empty message")
	}
	if len(text) > d.s.config.MaxMessageLength {
		return nil, protocolError("message longer than %d bytes", d.s.config.MaxMessageLength)
	}

	msg, err := d.postMessage(conv, database.KindText, text)
	if err != nil {
		return nil, err
	}
	return []string{formatID(msg.ID), formatID(msg.SentAt)}, nil
}

// handleUpload stores the segment and posts a file message linking to it
func (d *dispatcher) handleUpload(cmd command) ([]string, error) {
	conv, err := d.memberConversation(cmd.Fields[0])
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(cmd.Fields[1])
	if name == "" {
		return nil, protocolError("empty file name")
	}

	url, err := d.s.uploader.Upload(d.s.ctx, cmd.payload, name)
	if err != nil {
		return nil, storeError("Upload", err)
	}

	msg, err := d.postMessage(conv, database.KindFile, url)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Int64("conversation", conv.ID).Int("bytes", len(cmd.payload)).Str("url", url).Msg("file uploaded")
	return []string{formatID(msg.ID), url}, nil
}

// postMessage persists a message, advances the sender's deletion mark
// and pushes the message to the other members
func (d *dispatcher) postMessage(conv *database.Conversation, kind, body string) (*database.Message, error) {
	now := d.s.now()
	msg := &database.Message{
		ConversationID: conv.ID,
		Sender:         d.user,
		Kind:           kind,
		Body:           body,
		SentAt:         now.UnixMilli(),
	}
	if err := d.s.store.CreateMessage(msg); err != nil {
		return nil, storeError("CreateMessage", err)
	}

	if err := d.s.visibility.OnMessageSent(conv.ID, d.user, now); err != nil {
		d.logger.Warn().Err(err).Int64("conversation", conv.ID).Msg("failed to advance deletion mark")
	}

	d.s.router.Deliver(d.othersIn(conv), protocol.Event(protocol.EventMessage,
		formatID(conv.ID), formatID(msg.ID), msg.Sender, formatID(msg.SentAt), msg.Kind, msg.Body))
	return msg, nil
}

func (d *dispatcher) handleTyping(cmd command) ([]string, error) {
	conv, err := d.memberConversation(cmd.Fields[0])
	if err != nil {
		return nil, err
	}
	d.s.router.Deliver(d.othersIn(conv), protocol.Event(protocol.EventTyping, formatID(conv.ID), d.user))
	return nil, nil
}

func (d *dispatcher) handleRead(cmd command) ([]string, error) {
	conv, err := d.memberConversation(cmd.Fields[0])
	if err != nil {
		return nil, err
	}
	msgID, err := parseID(cmd.Fields[1], "message id")
	if err != nil {
		return nil, err
	}
	if err := d.s.store.MarkRead(conv.ID, d.user, msgID); err != nil {
		return nil, storeError("MarkRead", err)
	}
	d.s.router.Deliver(d.othersIn(conv), protocol.Event(protocol.EventRead, formatID(conv.ID), d.user, formatID(msgID)))
	return nil, nil
}

func (d *dispatcher) handleDeleteConversation(cmd command) ([]string, error) {
	conv, err := d.memberConversation(cmd.Fields[0])
	if err != nil {
		return nil, err
	}
	at, err := d.s.visibility.MarkDeleted(conv.ID, d.user)
	if err != nil {
		return nil, err
	}
	return []string{formatID(conv.ID), formatID(at.UnixMilli())}, nil
}

func (d *dispatcher) handleRestoreConversation(cmd command) ([]string, error) {
	conv, err := d.memberConversation(cmd.Fields[0])
	if err != nil {
		return nil, err
	}
	if err := d.s.visibility.Restore(conv.ID, d.user); err != nil {
		return nil, err
	}
	return []string{formatID(conv.ID)}, nil
}
