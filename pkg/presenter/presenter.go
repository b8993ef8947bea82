package presenter

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"tgbridge/pkg/bus"
)

// Message keys used by the dispatcher.
const (
	MsgStart                       = "start"
	MsgHelp                        = "help"
	MsgComplainSuccess             = "complain_success"
	MsgComplainFail                = "complain_fail"
	MsgBeginSuccess                = "begin_success"
	MsgBeginFail                   = "begin_fail"
	MsgEndSuccess                  = "end_success"
	MsgEndFail                     = "end_fail"
	MsgEvaluateDialogSuccess       = "evaluate_dialog_success"
	MsgEvaluateDialogSuccessWithID = "evaluate_dialog_success_reveal_id"
	MsgEvaluationSaved             = "evaluation_saved"
	MsgUnexpectedMessage           = "unexpected_message"
	MsgGenericFailure              = "generic_failure"
)

// Reply keyboard names.
const (
	KeyboardDialogInactive = "dialog_inactive"
	KeyboardDialogActive   = "dialog_active"
)

var requiredMessages = []string{
	MsgStart, MsgHelp, MsgComplainSuccess, MsgComplainFail, MsgBeginSuccess,
	MsgBeginFail, MsgEndSuccess, MsgEndFail, MsgEvaluateDialogSuccess,
	MsgEvaluateDialogSuccessWithID, MsgEvaluationSaved, MsgUnexpectedMessage,
	MsgGenericFailure,
}

var requiredKeyboards = []string{KeyboardDialogInactive, KeyboardDialogActive}

//go:embed defaults/*.yml
var defaults embed.FS

// Button is one keyboard button. Data is set only for inline buttons and is
// returned by the channel when the button is pressed.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
}

// Keyboard is a channel-neutral keyboard layout.
type Keyboard struct {
	Inline bool       `json:"inline"`
	Rows   [][]Button `json:"rows"`
}

// RatingOption is one selectable rating.
type RatingOption struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

type keyboardsFile struct {
	ReplyKeyboards map[string][][]string `yaml:"reply_keyboards"`
	RatingOptions  []RatingOption        `yaml:"rating_options"`
	ChosenMarker   string                `yaml:"chosen_marker"`
}

// Responder renders user-facing text and keyboards from templates.
type Responder struct {
	messages map[string]*template.Template
	reply    map[string][][]string
	options  []RatingOption
	marker   string
	aliases  *bus.Aliases
}

// MaxRatingLen bounds a rating value so every rating button fits a callback
// payload once its id is aliased.
const MaxRatingLen = 32

// Load reads message and keyboard templates. An empty path selects the
// built-in file.
func Load(messagesPath, keyboardsPath string) (*Responder, error) {
	messagesRaw, err := readTemplateFile(messagesPath, "defaults/messages.yml")
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	keyboardsRaw, err := readTemplateFile(keyboardsPath, "defaults/keyboards.yml")
	if err != nil {
		return nil, fmt.Errorf("read keyboards: %w", err)
	}

	return Parse(messagesRaw, keyboardsRaw)
}

// Default returns the built-in responder.
func Default() (*Responder, error) {
	return Load("", "")
}

// Parse builds a responder from YAML documents.
func Parse(messagesRaw, keyboardsRaw []byte) (*Responder, error) {
	var texts map[string]string
	if err := yaml.Unmarshal(messagesRaw, &texts); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	var keyboards keyboardsFile
	if err := yaml.Unmarshal(keyboardsRaw, &keyboards); err != nil {
		return nil, fmt.Errorf("parse keyboards: %w", err)
	}

	var problems []string
	messages := make(map[string]*template.Template, len(texts))
	for key, text := range texts {
		tmpl, err := template.New(key).Option("missingkey=zero").Parse(text)
		if err != nil {
			problems = append(problems, fmt.Sprintf("message %q: %v", key, err))
			continue
		}
		messages[key] = tmpl
	}
	for _, key := range requiredMessages {
		if _, ok := texts[key]; !ok {
			problems = append(problems, fmt.Sprintf("message %q is missing", key))
		}
	}
	for _, name := range requiredKeyboards {
		if _, ok := keyboards.ReplyKeyboards[name]; !ok {
			problems = append(problems, fmt.Sprintf("keyboard %q is missing", name))
		}
	}
	if len(keyboards.RatingOptions) == 0 {
		problems = append(problems, "rating_options is empty")
	}
	for _, option := range keyboards.RatingOptions {
		if option.Value == "" || strings.Contains(option.Value, "-") || len(option.Value) > MaxRatingLen {
			problems = append(problems, fmt.Sprintf("rating option %q must be non-empty, without '-' and at most %d bytes", option.Value, MaxRatingLen))
		}
	}
	if len(problems) > 0 {
		return nil, errors.New("invalid templates: " + strings.Join(problems, "; "))
	}

	aliases, err := bus.NewAliases(bus.DefaultAliasCapacity)
	if err != nil {
		return nil, err
	}

	return &Responder{
		messages: messages,
		reply:    keyboards.ReplyKeyboards,
		options:  keyboards.RatingOptions,
		marker:   keyboards.ChosenMarker,
		aliases:  aliases,
	}, nil
}

func readTemplateFile(path, fallback string) ([]byte, error) {
	if path = strings.TrimSpace(path); path != "" {
		return os.ReadFile(path)
	}

	return defaults.ReadFile(fallback)
}

// WithRatingOptions returns a copy that offers values instead of the
// template's rating options. Values keep their template label when one exists.
func (r *Responder) WithRatingOptions(values []string) *Responder {
	if len(values) == 0 {
		return r
	}

	next := *r
	next.options = make([]RatingOption, 0, len(values))
	for _, value := range values {
		option := RatingOption{Value: value, Label: capitalize(value)}
		if idx := slices.IndexFunc(r.options, func(o RatingOption) bool { return o.Value == value }); idx >= 0 {
			option.Label = r.options[idx].Label
		}
		next.options = append(next.options, option)
	}

	return &next
}

// Message renders the text stored under key. Unknown keys render as the key.
func (r *Responder) Message(key string, params map[string]any) string {
	tmpl, ok := r.messages[key]
	if !ok {
		return key
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, params); err != nil {
		return tmpl.Root.String()
	}

	return out.String()
}

// ReplyKeyboard returns the named persistent keyboard, or nil when unknown.
func (r *Responder) ReplyKeyboard(name string) *Keyboard {
	layout, ok := r.reply[name]
	if !ok {
		return nil
	}

	rows := make([][]Button, 0, len(layout))
	for _, row := range layout {
		buttons := make([]Button, 0, len(row))
		for _, text := range row {
			buttons = append(buttons, Button{Text: text})
		}
		rows = append(rows, buttons)
	}

	return &Keyboard{Rows: rows}
}

// UtteranceRatingKeyboard renders the inline rating row for one utterance.
func (r *Responder) UtteranceRatingKeyboard(utteranceID string) *Keyboard {
	return r.ratingKeyboard(bus.UtterancePrefix, utteranceID, "")
}

// DialogRatingKeyboard renders the inline rating row for a dialog, marking
// chosen when set. Rendering is stable, so re-rendering after every accepted
// callback yields the same layout.
func (r *Responder) DialogRatingKeyboard(dialogID, chosen string) *Keyboard {
	return r.ratingKeyboard(bus.DialogPrefix, dialogID, chosen)
}

// ResolveCallbackID maps an id carried by a rating button back to the id it
// was rendered for. It reports false when the button is too old to resolve.
func (r *Responder) ResolveCallbackID(id string) (string, bool) {
	return r.aliases.Resolve(id)
}

// callbackID returns id, or its alias when any rating button would exceed
// the callback payload limit.
func (r *Responder) callbackID(prefix, id string) string {
	for _, option := range r.options {
		if !bus.FitsCallback(prefix, id, option.Value) {
			return r.aliases.Alias(id)
		}
	}

	return id
}

func (r *Responder) ratingKeyboard(prefix, id, chosen string) *Keyboard {
	id = r.callbackID(prefix, id)
	row := make([]Button, 0, len(r.options))
	for _, option := range r.options {
		label := option.Label
		if label == "" {
			label = capitalize(option.Value)
		}
		if chosen != "" && option.Value == chosen && r.marker != "" {
			label = r.marker + " " + label
		}
		row = append(row, Button{Text: label, Data: bus.EncodeCallback(prefix, id, option.Value)})
	}

	return &Keyboard{Inline: true, Rows: [][]Button{row}}
}

// RatingOptions lists the offered ratings.
func (r *Responder) RatingOptions() []RatingOption {
	return slices.Clone(r.options)
}

// Capitalize upper-cases the first letter and lower-cases the rest.
func Capitalize(value string) string {
	return capitalize(value)
}

func capitalize(value string) string {
	if value == "" {
		return ""
	}

	runes := []rune(strings.ToLower(value))
	runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
	return string(runes)
}
