package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"tgbridge/pkg/agent"
	agenttypes "tgbridge/pkg/agent/types"
	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/dialog"
	"tgbridge/pkg/media"
	"tgbridge/pkg/presenter"
)

// Command names understood by the dispatcher.
const (
	CommandStart    = "start"
	CommandHelp     = "help"
	CommandBegin    = "begin"
	CommandEnd      = "end"
	CommandComplain = "complain"
)

// Ingester re-hosts attachments and fetches images attached to replies.
type Ingester interface {
	Ingest(ctx context.Context, attachments bus.Attachments) (media.Attributes, []media.Outcome)
	FetchReplyImage(ctx context.Context, link string) ([]byte, error)
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Machine   *dialog.Machine
	Agent     agent.Agent
	Media     Ingester
	Presenter *presenter.Responder
	// Events receives lifecycle notifications. Optional.
	Events *bus.Hub
	// RevealDialogID includes the dialog id in the rating confirmation.
	RevealDialogID bool
	Log            *slog.Logger
}

// Dispatcher routes inbound events through the dialog state machine, the
// media pipeline and the agent, and renders the outcome on the channel.
type Dispatcher struct {
	machine   *dialog.Machine
	agent     agent.Agent
	media     Ingester
	presenter *presenter.Responder
	events    *bus.Hub
	reveal    bool
	log       *slog.Logger
	now       func() time.Time
}

func New(deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Machine == nil:
		return nil, errors.New("dialog machine is required")
	case deps.Agent == nil:
		return nil, errors.New("agent is required")
	case deps.Media == nil:
		return nil, errors.New("media pipeline is required")
	case deps.Presenter == nil:
		return nil, errors.New("presenter is required")
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		machine:   deps.Machine,
		agent:     deps.Agent,
		media:     deps.Media,
		presenter: deps.Presenter,
		events:    deps.Events,
		reveal:    deps.RevealDialogID,
		log:       log.With("component", "dispatch"),
		now:       time.Now,
	}, nil
}

// Handle processes one inbound event. It matches channel.Handler.
func (d *Dispatcher) Handle(ctx context.Context, event bus.InboundEvent, r channel.Replier) {
	meta := event.Meta()
	d.publish(ctx, bus.Event{
		Type:    bus.EventReceived,
		Channel: meta.Channel,
		UserID:  meta.UserID,
		Payload: map[string]string{"kind": string(event.Kind())},
	})

	switch ev := event.(type) {
	case bus.Command:
		d.handleCommand(ctx, ev, r)
	case bus.TextMessage:
		d.handleMessage(ctx, ev.Envelope, ev.Text, bus.Attachments{}, r)
	case bus.MediaMessage:
		d.handleMessage(ctx, ev.Envelope, ev.Utterance(), ev.Attachments, r)
	case bus.UtteranceRating:
		d.handleUtteranceRating(ctx, ev, r)
	case bus.DialogRating:
		d.handleDialogRating(ctx, ev, r)
	default:
		d.log.Warn("Ignoring unsupported event", "kind", event.Kind(), "user_id", meta.UserID)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, cmd bus.Command, r channel.Replier) {
	userID := cmd.UserID

	switch strings.ToLower(cmd.Name) {
	case CommandStart:
		d.send(ctx, r, cmd.Envelope, d.presenter.Message(presenter.MsgStart, nil), d.presenter.ReplyKeyboard(presenter.KeyboardDialogInactive))

	case CommandHelp:
		d.send(ctx, r, cmd.Envelope, d.presenter.Message(presenter.MsgHelp, nil), nil)

	case CommandComplain:
		ok, err := d.machine.Complain(ctx, userID)
		if err != nil {
			d.fail(ctx, r, cmd.Envelope, "complain", err)
			return
		}
		key := presenter.MsgComplainFail
		if ok {
			key = presenter.MsgComplainSuccess
			d.log.Info("Complaint received", "user_id", userID)
		}
		d.send(ctx, r, cmd.Envelope, d.presenter.Message(key, nil), nil)

	case CommandBegin:
		tr, err := d.machine.Begin(ctx, userID)
		if err != nil {
			d.fail(ctx, r, cmd.Envelope, "begin", err)
			return
		}
		if !tr.Accepted {
			d.send(ctx, r, cmd.Envelope, d.presenter.Message(presenter.MsgBeginFail, nil), nil)
			return
		}
		d.log.Info("Dialog opened", "user_id", userID, "dialog_id", tr.DialogID, "from", tr.From)
		d.publish(ctx, bus.Event{Type: bus.EventDialogOpened, Channel: cmd.Channel, UserID: userID, DialogID: tr.DialogID})
		d.send(ctx, r, cmd.Envelope, d.presenter.Message(presenter.MsgBeginSuccess, nil), d.presenter.ReplyKeyboard(presenter.KeyboardDialogActive))

	case CommandEnd:
		tr, err := d.machine.End(ctx, userID)
		if err != nil {
			d.fail(ctx, r, cmd.Envelope, "end", err)
			return
		}
		if !tr.Accepted {
			d.send(ctx, r, cmd.Envelope, d.presenter.Message(presenter.MsgEndFail, nil), d.presenter.ReplyKeyboard(presenter.KeyboardDialogInactive))
			return
		}
		d.log.Info("Dialog closed", "user_id", userID, "dialog_id", tr.DialogID)
		d.publish(ctx, bus.Event{Type: bus.EventDialogClosed, Channel: cmd.Channel, UserID: userID, DialogID: tr.DialogID})
		d.send(ctx, r, cmd.Envelope, d.presenter.Message(presenter.MsgEndSuccess, nil), d.presenter.DialogRatingKeyboard(tr.DialogID, ""))

	default:
		// Unknown commands reach the agent as plain text.
		text := "/" + cmd.Name
		if args := strings.TrimSpace(cmd.Args); args != "" {
			text += " " + args
		}
		d.handleMessage(ctx, cmd.Envelope, text, bus.Attachments{}, r)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, env bus.Envelope, utterance string, attachments bus.Attachments, r channel.Replier) {
	session, err := d.machine.Session(ctx, env.UserID)
	if err != nil {
		d.fail(ctx, r, env, "load session", err)
		return
	}
	if session.State != dialog.Active {
		d.send(ctx, r, env, d.presenter.Message(presenter.MsgUnexpectedMessage, nil), nil)
		return
	}

	attrs := media.Attributes{}
	if !attachments.Empty() {
		var outcomes []media.Outcome
		attrs, outcomes = d.media.Ingest(ctx, attachments)
		for _, outcome := range outcomes {
			if outcome.Err == nil {
				continue
			}
			d.publish(ctx, bus.Event{
				Type:     bus.EventIngestionFailed,
				Channel:  env.Channel,
				UserID:   env.UserID,
				DialogID: session.ActiveDialogID,
				Payload:  map[string]string{"modality": string(outcome.Modality)},
				Error:    outcome.Err.Error(),
			})
		}
	}

	at := env.At
	if at.IsZero() {
		at = d.now().UTC()
	}

	stopTyping := r.Typing(ctx)
	reply, dialogID, err := d.register(ctx, agenttypes.Message{
		Utterance:       utterance,
		UserExternalID:  env.UserID,
		UserDeviceType:  agenttypes.DeviceTelegram,
		DateTime:        at,
		Location:        "",
		ChannelType:     agenttypes.ChannelTelegram,
		RequireResponse: true,
		MessageAttrs:    attrs,
	})
	stopTyping()
	if err != nil {
		d.publish(ctx, bus.Event{Type: bus.EventAgentFailed, Channel: env.Channel, UserID: env.UserID, DialogID: session.ActiveDialogID, Error: err.Error()})
		d.fail(ctx, r, env, "register message", err)
		return
	}

	if err := d.machine.ConfirmDialog(ctx, env.UserID, session.ActiveDialogID, dialogID); err != nil {
		d.log.Warn("Failed to confirm dialog id", "user_id", env.UserID, "dialog_id", dialogID, "error", err)
	}

	if text := strings.TrimSpace(reply.Text); text != "" {
		d.send(ctx, r, env, reply.Text, d.presenter.UtteranceRatingKeyboard(reply.ID))
	}

	if link := reply.Image(); link != "" {
		d.sendReplyImage(ctx, r, env, link)
	}
}

func (d *Dispatcher) register(ctx context.Context, msg agenttypes.Message) (agenttypes.Utterance, string, error) {
	response, err := d.agent.RegisterMsg(ctx, msg)
	if err != nil {
		return agenttypes.Utterance{}, "", err
	}

	reply, err := response.Reply()
	if err != nil {
		return agenttypes.Utterance{}, "", err
	}

	return reply, response.ID, nil
}

func (d *Dispatcher) sendReplyImage(ctx context.Context, r channel.Replier, env bus.Envelope, link string) {
	data, err := d.media.FetchReplyImage(ctx, link)
	if err != nil {
		d.log.Error("Failed to fetch reply image", "user_id", env.UserID, "link", link, "error", err)
		return
	}

	if err := r.SendImage(ctx, imageName(link), data); err != nil {
		d.log.Error("Failed to send reply image", "user_id", env.UserID, "error", err)
		d.publish(ctx, bus.Event{Type: bus.EventReplyFailed, Channel: env.Channel, UserID: env.UserID, Error: err.Error()})
	}
}

func (d *Dispatcher) handleUtteranceRating(ctx context.Context, ev bus.UtteranceRating, r channel.Replier) {
	utteranceID, ok := d.presenter.ResolveCallbackID(ev.UtteranceID)
	if !ok {
		d.log.Debug("Ignoring rating for an expired button", "user_id", ev.UserID, "utterance_id", ev.UtteranceID)
		d.answer(ctx, r, ev.CallbackID, "")
		return
	}
	ev.UtteranceID = utteranceID

	accepted, err := d.machine.RateUtterance(ctx, ev.UserID, ev.UtteranceID, ev.Rating)
	if err != nil {
		d.answer(ctx, r, ev.CallbackID, "")
		d.fail(ctx, r, ev.Envelope, "rate utterance", err)
		return
	}
	if !accepted {
		d.log.Debug("Ignoring utterance rating outside an open dialog", "user_id", ev.UserID, "utterance_id", ev.UtteranceID)
		d.answer(ctx, r, ev.CallbackID, "")
		return
	}

	d.publish(ctx, bus.Event{
		Type:    bus.EventUtteranceRated,
		Channel: ev.Channel,
		UserID:  ev.UserID,
		Payload: map[string]string{"utterance_id": ev.UtteranceID, "rating": ev.Rating},
	})
	d.answer(ctx, r, ev.CallbackID, presenter.Capitalize(ev.Rating))
}

func (d *Dispatcher) handleDialogRating(ctx context.Context, ev bus.DialogRating, r channel.Replier) {
	dialogID, ok := d.presenter.ResolveCallbackID(ev.DialogID)
	if !ok {
		d.log.Debug("Ignoring rating for an expired button", "user_id", ev.UserID, "dialog_id", ev.DialogID)
		d.answer(ctx, r, ev.CallbackID, "")
		return
	}
	ev.DialogID = dialogID

	tr, err := d.machine.RateDialog(ctx, ev.UserID, ev.DialogID, ev.Rating)
	if err != nil {
		d.answer(ctx, r, ev.CallbackID, "")
		d.fail(ctx, r, ev.Envelope, "rate dialog", err)
		return
	}

	if !tr.Accepted {
		d.log.Debug("Ignoring stale dialog rating", "user_id", ev.UserID, "dialog_id", ev.DialogID)
		d.answer(ctx, r, ev.CallbackID, "")
		return
	}

	if err := r.EditKeyboard(ctx, ev.MessageID, d.presenter.DialogRatingKeyboard(ev.DialogID, ev.Rating)); err != nil {
		d.log.Warn("Failed to mark chosen rating", "user_id", ev.UserID, "message_id", ev.MessageID, "error", err)
	}

	d.publish(ctx, bus.Event{
		Type:     bus.EventDialogRated,
		Channel:  ev.Channel,
		UserID:   ev.UserID,
		DialogID: ev.DialogID,
		Payload:  map[string]string{"rating": ev.Rating},
	})

	text := d.presenter.Message(presenter.MsgEvaluateDialogSuccess, nil)
	if d.reveal {
		text = d.presenter.Message(presenter.MsgEvaluateDialogSuccessWithID, map[string]any{"dialog_id": ev.DialogID})
	}

	d.answer(ctx, r, ev.CallbackID, d.presenter.Message(presenter.MsgEvaluationSaved, nil))
	d.send(ctx, r, ev.Envelope, text, d.presenter.ReplyKeyboard(presenter.KeyboardDialogInactive))
}

// fail logs err and sends the generic failure text. Raw errors never reach
// the user.
func (d *Dispatcher) fail(ctx context.Context, r channel.Replier, env bus.Envelope, operation string, err error) {
	d.log.Error("Failed to handle event", "operation", operation, "user_id", env.UserID, "error", err)
	d.send(ctx, r, env, d.presenter.Message(presenter.MsgGenericFailure, nil), nil)
}

func (d *Dispatcher) send(ctx context.Context, r channel.Replier, env bus.Envelope, text string, keyboard *presenter.Keyboard) {
	if _, err := r.SendText(ctx, text, keyboard); err != nil {
		d.log.Error("Failed to send reply", "user_id", env.UserID, "chat_id", env.ChatID, "error", err)
		d.publish(ctx, bus.Event{Type: bus.EventReplyFailed, Channel: env.Channel, UserID: env.UserID, Error: err.Error()})
	}
}

func (d *Dispatcher) answer(ctx context.Context, r channel.Replier, callbackID, text string) {
	if err := r.AnswerCallback(ctx, callbackID, text); err != nil {
		d.log.Warn("Failed to answer callback", "callback_id", callbackID, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, event bus.Event) {
	if d.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = d.now().UTC()
	}
	d.events.Publish(ctx, event)
}

func imageName(link string) string {
	name := path.Base(strings.SplitN(link, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		return "image.jpg"
	}
	return name
}
