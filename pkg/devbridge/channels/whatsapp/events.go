package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jmerkel/devbridge/pkg/devbridge/channels"
)

// handleEvent is the whatsmeow event dispatcher.
func (a *Adapter) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		a.handleMessage(evt)

	case *events.Connected:
		a.connected.Store(true)
		a.readyOnce.Do(func() { close(a.ready) })
		a.logger.Info("connection established")

	case *events.Disconnected:
		a.connected.Store(false)
		a.logger.Warn("connection lost, auto-reconnect will retry")

	case *events.StreamReplaced:
		a.connected.Store(false)
		a.logger.Error("stream replaced by another client")

	case *events.LoggedOut:
		a.connected.Store(false)
		a.logger.Error("logged out by the platform, QR pairing required", "reason", evt.Reason)

	case *events.PairSuccess:
		a.logger.Info("device paired", "jid", evt.ID.String())
	}
}

// handleMessage buffers one incoming message event.
func (a *Adapter) handleMessage(evt *events.Message) {
	// Status broadcasts are noise, never conversation.
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	msg := bufferedMessage{
		Message: channels.Message{
			Role:      channels.RoleIncoming,
			Timestamp: string(evt.Info.ID),
		},
		raw: evt.Message,
	}
	if evt.Info.IsFromMe {
		msg.Role = channels.RoleOutgoing
	}
	extractContent(evt.Message, &msg.Message)

	name := a.chatDisplayName(evt.Info)

	a.mu.Lock()
	st := a.chatStateLocked(evt.Info.Chat, name, evt.Info.IsGroup)
	a.appendLocked(st, msg)
	if msg.Role == channels.RoleIncoming {
		st.unread++
	}
	a.mu.Unlock()

	a.logger.Debug("message buffered",
		"chat", name, "type", msg.Type, "from_me", evt.Info.IsFromMe)
}

// chatDisplayName resolves the human name used to address a chat: the group
// subject for groups, the sender's push name (or phone) for DMs.
func (a *Adapter) chatDisplayName(info types.MessageInfo) string {
	if info.IsGroup {
		if gi, err := a.client.GetGroupInfo(a.ctx, info.Chat); err == nil && gi.Name != "" {
			return gi.Name
		}
		return info.Chat.User
	}
	if info.PushName != "" {
		return info.PushName
	}
	return info.Chat.User
}

// extractContent fills in the text/type view of a WhatsApp message.
func extractContent(waMsg *waE2E.Message, msg *channels.Message) {
	if waMsg == nil {
		msg.Type = channels.MessageOther
		msg.Content = "[empty message]"
		return
	}

	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
		return
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Content = ext.GetText()
		return
	}
	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		if msg.Content == "" {
			msg.Content = "[image]"
		}
		return
	}
	if audio := waMsg.AudioMessage; audio != nil {
		msg.Type = channels.MessageAudio
		if audio.GetPTT() {
			msg.Content = "[voice note]"
		} else {
			msg.Content = "[audio]"
		}
		return
	}
	if vid := waMsg.VideoMessage; vid != nil {
		msg.Type = channels.MessageVideo
		msg.Content = vid.GetCaption()
		if msg.Content == "" {
			msg.Content = "[video]"
		}
		return
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		msg.Type = channels.MessageOther
		msg.Content = fmt.Sprintf("[document: %s]", doc.GetFileName())
		return
	}
	if contact := waMsg.ContactMessage; contact != nil {
		msg.Type = channels.MessageContact
		msg.Content = fmt.Sprintf("[contact: %s]", contact.GetDisplayName())
		return
	}

	msg.Type = channels.MessageOther
	msg.Content = "[unsupported message type]"
}

// mediaPart returns the downloadable part of a message, with its mimetype
// and declared size. Nil when the message carries no media.
func mediaPart(waMsg *waE2E.Message) (whatsmeow.DownloadableMessage, string, uint64) {
	if waMsg == nil {
		return nil, "", 0
	}
	if img := waMsg.ImageMessage; img != nil {
		return img, img.GetMimetype(), img.GetFileLength()
	}
	if audio := waMsg.AudioMessage; audio != nil {
		return audio, audio.GetMimetype(), audio.GetFileLength()
	}
	if vid := waMsg.VideoMessage; vid != nil {
		return vid, vid.GetMimetype(), vid.GetFileLength()
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		return doc, doc.GetMimetype(), doc.GetFileLength()
	}
	return nil, "", 0
}
