package types

import (
	"errors"
	"strings"
	"time"
)

// Device and channel tags sent with every registered message.
const (
	DeviceTelegram  = "telegram"
	ChannelTelegram = "telegram"
)

// AttrImage is the utterance attribute holding an image link.
const AttrImage = "image"

var ErrNoUtterances = errors.New("agent reply has no utterances")

// Message is one user utterance registered with the agent.
type Message struct {
	Utterance       string         `json:"utterance"`
	UserExternalID  string         `json:"user_external_id"`
	UserDeviceType  string         `json:"user_device_type"`
	DateTime        time.Time      `json:"date_time"`
	Location        string         `json:"location"`
	ChannelType     string         `json:"channel_type"`
	RequireResponse bool           `json:"require_response"`
	MessageAttrs    map[string]any `json:"message_attrs"`
}

// Utterance is one turn of a dialog as the agent records it.
type Utterance struct {
	ID         string         `json:"utt_id"`
	Text       string         `json:"text"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Image returns the image link attached to the utterance, if any.
func (u Utterance) Image() string {
	value, _ := u.Attributes[AttrImage].(string)
	return strings.TrimSpace(value)
}

// Dialog is the agent's view of a conversation after registering a message.
type Dialog struct {
	ID         string      `json:"id"`
	Utterances []Utterance `json:"utterances"`
}

// Reply returns the newest utterance, which is the agent's answer.
func (d Dialog) Reply() (Utterance, error) {
	if len(d.Utterances) == 0 {
		return Utterance{}, ErrNoUtterances
	}

	return d.Utterances[len(d.Utterances)-1], nil
}
