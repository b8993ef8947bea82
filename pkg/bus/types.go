package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the inbound event variants.
type Kind string

const (
	KindCommand         Kind = "command"
	KindText            Kind = "text"
	KindMedia           Kind = "media"
	KindUtteranceRating Kind = "utterance_rating"
	KindDialogRating    Kind = "dialog_rating"
)

// Callback data prefixes shared by keyboard rendering and callback parsing.
const (
	UtterancePrefix = "utt"
	DialogPrefix    = "dialog"
)

var ErrMalformedCallback = errors.New("malformed callback data")

// InboundEvent is one normalized event received from a channel.
//
// The set of implementations is closed: Command, TextMessage, MediaMessage,
// UtteranceRating and DialogRating.
type InboundEvent interface {
	Kind() Kind
	Meta() Envelope
}

// Envelope carries the fields every inbound event has plus the correlation
// data needed to reply on the originating channel.
type Envelope struct {
	Channel string    `json:"channel"`
	UserID  string    `json:"user_id"`
	ChatID  string    `json:"chat_id"`
	At      time.Time `json:"at"`
}

// Command is a slash command such as /begin.
type Command struct {
	Envelope
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// TextMessage is free text without attachments.
type TextMessage struct {
	Envelope
	Text string `json:"text"`
}

// MediaMessage is a message with at least one attachment.
type MediaMessage struct {
	Envelope
	Text        string      `json:"text,omitempty"`
	Caption     string      `json:"caption,omitempty"`
	Attachments Attachments `json:"attachments"`
}

// UtteranceRating is a rating callback for one agent utterance.
type UtteranceRating struct {
	Envelope
	CallbackID  string `json:"callback_id"`
	MessageID   int    `json:"message_id"`
	UtteranceID string `json:"utterance_id"`
	Rating      string `json:"rating"`
}

// DialogRating is a rating callback for a whole dialog.
type DialogRating struct {
	Envelope
	CallbackID string `json:"callback_id"`
	MessageID  int    `json:"message_id"`
	DialogID   string `json:"dialog_id"`
	Rating     string `json:"rating"`
}

func (Command) Kind() Kind         { return KindCommand }
func (TextMessage) Kind() Kind     { return KindText }
func (MediaMessage) Kind() Kind    { return KindMedia }
func (UtteranceRating) Kind() Kind { return KindUtteranceRating }
func (DialogRating) Kind() Kind    { return KindDialogRating }

func (e Envelope) Meta() Envelope { return e }

// Utterance returns the text forwarded to the agent: the message text, then
// the caption, then the empty string.
func (m MediaMessage) Utterance() string {
	if m.Text != "" {
		return m.Text
	}

	return m.Caption
}

// SoundKind tells which message field supplied the sound slot.
type SoundKind string

const (
	SoundVoice     SoundKind = "voice"
	SoundAudio     SoundKind = "audio"
	SoundVideoNote SoundKind = "video_note"
)

// VideoKind tells which message field supplied the video slot.
type VideoKind string

const (
	VideoAttachment VideoKind = "video"
	VideoNote       VideoKind = "video_note"
)

// Attachments references the media carried by one message. A video note
// fills both the sound and the video slot, as the channel models it.
type Attachments struct {
	Image *ImageRef `json:"image,omitempty"`
	Sound *SoundRef `json:"sound,omitempty"`
	Video *VideoRef `json:"video,omitempty"`
}

// Empty reports whether no attachment slot is populated.
func (a Attachments) Empty() bool {
	return a.Image == nil && a.Sound == nil && a.Video == nil
}

// ImageRef points at an image stored by the channel.
type ImageRef struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
}

// SoundRef points at a voice message, audio file or video note.
type SoundRef struct {
	FileID   string    `json:"file_id"`
	FileSize int64     `json:"file_size,omitempty"`
	Duration int       `json:"duration"`
	Kind     SoundKind `json:"kind"`
}

// VideoRef points at a video or video note.
type VideoRef struct {
	FileID   string    `json:"file_id"`
	FileSize int64     `json:"file_size,omitempty"`
	Duration int       `json:"duration"`
	Kind     VideoKind `json:"kind"`
}

// CallbackData is the decoded payload of a rating button.
type CallbackData struct {
	Prefix string
	ID     string
	Rating string
}

// EncodeCallback builds the `<prefix>-<id>-<rating>` payload of a rating button.
func EncodeCallback(prefix, id, rating string) string {
	return prefix + "-" + id + "-" + rating
}

// ParseCallback decodes a rating button payload. The id sits between the
// first and last separator so ids may contain dashes; ratings may not.
func ParseCallback(data string) (CallbackData, error) {
	first := strings.Index(data, "-")
	last := strings.LastIndex(data, "-")
	if first <= 0 || last == first || last == len(data)-1 {
		return CallbackData{}, fmt.Errorf("%w: %q", ErrMalformedCallback, data)
	}

	parsed := CallbackData{
		Prefix: data[:first],
		ID:     data[first+1 : last],
		Rating: data[last+1:],
	}
	if parsed.Prefix != UtterancePrefix && parsed.Prefix != DialogPrefix {
		return CallbackData{}, fmt.Errorf("%w: unknown prefix %q", ErrMalformedCallback, parsed.Prefix)
	}

	return parsed, nil
}
