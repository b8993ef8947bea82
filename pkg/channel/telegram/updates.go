package telegram

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"tgbridge/pkg/bus"
)

var errSkipUpdate = errors.New("update carries nothing to handle")

// eventFromUpdate normalizes one Telegram update into an inbound event.
// Updates without a supported payload return errSkipUpdate; callback data
// that fails to parse returns bus.ErrMalformedCallback.
func eventFromUpdate(update telego.Update, now time.Time) (bus.InboundEvent, error) {
	switch {
	case update.CallbackQuery != nil:
		return eventFromCallback(update.CallbackQuery, now)
	case update.Message != nil:
		return eventFromMessage(update.Message)
	default:
		return nil, errSkipUpdate
	}
}

func eventFromMessage(message *telego.Message) (bus.InboundEvent, error) {
	if message.From == nil {
		return nil, errSkipUpdate
	}

	env := bus.Envelope{
		Channel: channelName,
		UserID:  strconv.FormatInt(message.From.ID, 10),
		ChatID:  strconv.FormatInt(message.Chat.ID, 10),
		At:      time.Unix(message.Date, 0).UTC(),
	}

	attachments := attachmentsOf(message)
	if !attachments.Empty() {
		return bus.MediaMessage{
			Envelope:    env,
			Text:        message.Text,
			Caption:     message.Caption,
			Attachments: attachments,
		}, nil
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		return nil, errSkipUpdate
	}

	if name, args, ok := parseCommand(text); ok {
		return bus.Command{Envelope: env, Name: name, Args: args}, nil
	}

	return bus.TextMessage{Envelope: env, Text: message.Text}, nil
}

func eventFromCallback(query *telego.CallbackQuery, now time.Time) (bus.InboundEvent, error) {
	env := bus.Envelope{
		Channel: channelName,
		UserID:  strconv.FormatInt(query.From.ID, 10),
		ChatID:  strconv.FormatInt(query.From.ID, 10),
		At:      now.UTC(),
	}

	messageID := 0
	if query.Message != nil {
		env.ChatID = strconv.FormatInt(query.Message.GetChat().ID, 10)
		messageID = query.Message.GetMessageID()
	}

	data, err := bus.ParseCallback(query.Data)
	if err != nil {
		return nil, err
	}

	if data.Prefix == bus.UtterancePrefix {
		return bus.UtteranceRating{
			Envelope:    env,
			CallbackID:  query.ID,
			MessageID:   messageID,
			UtteranceID: data.ID,
			Rating:      data.Rating,
		}, nil
	}

	return bus.DialogRating{
		Envelope:   env,
		CallbackID: query.ID,
		MessageID:  messageID,
		DialogID:   data.ID,
		Rating:     data.Rating,
	}, nil
}

// attachmentsOf picks the media slots the bridge understands. The largest
// photo size is used; a video note fills both the sound and video slots.
func attachmentsOf(message *telego.Message) bus.Attachments {
	var out bus.Attachments

	if n := len(message.Photo); n > 0 {
		photo := message.Photo[n-1]
		out.Image = &bus.ImageRef{FileID: photo.FileID, FileSize: int64(photo.FileSize)}
	}

	switch {
	case message.Voice != nil:
		out.Sound = &bus.SoundRef{FileID: message.Voice.FileID, FileSize: int64(message.Voice.FileSize), Duration: message.Voice.Duration, Kind: bus.SoundVoice}
	case message.Audio != nil:
		out.Sound = &bus.SoundRef{FileID: message.Audio.FileID, FileSize: int64(message.Audio.FileSize), Duration: message.Audio.Duration, Kind: bus.SoundAudio}
	case message.VideoNote != nil:
		out.Sound = &bus.SoundRef{FileID: message.VideoNote.FileID, FileSize: int64(message.VideoNote.FileSize), Duration: message.VideoNote.Duration, Kind: bus.SoundVideoNote}
	}

	switch {
	case message.VideoNote != nil:
		out.Video = &bus.VideoRef{FileID: message.VideoNote.FileID, FileSize: int64(message.VideoNote.FileSize), Duration: message.VideoNote.Duration, Kind: bus.VideoNote}
	case message.Video != nil:
		out.Video = &bus.VideoRef{FileID: message.Video.FileID, FileSize: int64(message.Video.FileSize), Duration: message.Video.Duration, Kind: bus.VideoAttachment}
	}

	return out
}

// parseCommand splits "/name@bot args" into name and args.
func parseCommand(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	head, args, _ := strings.Cut(text[1:], " ")
	name, _, _ := strings.Cut(head, "@")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}

	return name, strings.TrimSpace(args), true
}
