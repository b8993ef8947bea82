package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agenttypes "tgbridge/pkg/agent/types"
	"tgbridge/pkg/bus"
	"tgbridge/pkg/dialog"
	"tgbridge/pkg/media"
	"tgbridge/pkg/presenter"
)

type sentText struct {
	text     string
	keyboard *presenter.Keyboard
}

type answered struct {
	callbackID string
	text       string
}

type edited struct {
	messageID int
	keyboard  *presenter.Keyboard
}

type fakeReplier struct {
	mu      sync.Mutex
	texts   []sentText
	images  map[string][]byte
	answers []answered
	edits   []edited
	typing  int
	sendErr error
}

func (f *fakeReplier) SendText(_ context.Context, text string, keyboard *presenter.Keyboard) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.texts = append(f.texts, sentText{text: text, keyboard: keyboard})
	return len(f.texts), nil
}

func (f *fakeReplier) SendImage(_ context.Context, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.images == nil {
		f.images = make(map[string][]byte)
	}
	f.images[filename] = data
	return nil
}

func (f *fakeReplier) AnswerCallback(_ context.Context, callbackID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answered{callbackID: callbackID, text: text})
	return nil
}

func (f *fakeReplier) EditKeyboard(_ context.Context, messageID int, keyboard *presenter.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edited{messageID: messageID, keyboard: keyboard})
	return nil
}

func (f *fakeReplier) Typing(context.Context) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return func() {}
}

func (f *fakeReplier) lastText(t *testing.T) sentText {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.texts)
	return f.texts[len(f.texts)-1]
}

type fakeAgent struct {
	mu          sync.Mutex
	registered  []agenttypes.Message
	reply       agenttypes.Dialog
	registerErr error
	// registerHook runs after a message is recorded and before the reply.
	registerHook func()
	dropID       string
	dropErr      error
	uttRatings   map[string]string
	dlgRatings   map[string]string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		reply: agenttypes.Dialog{ID: "agent-dialog", Utterances: []agenttypes.Utterance{
			{ID: "u-1", Text: "hello"},
			{ID: "u-2", Text: "hi there"},
		}},
		dropID:     "agent-dialog",
		uttRatings: map[string]string{},
		dlgRatings: map[string]string{},
	}
}

func (f *fakeAgent) RegisterMsg(_ context.Context, msg agenttypes.Message) (agenttypes.Dialog, error) {
	f.mu.Lock()
	f.registered = append(f.registered, msg)
	hook := f.registerHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return agenttypes.Dialog{}, f.registerErr
	}
	return f.reply, nil
}

func (f *fakeAgent) DropActiveDialog(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropID, f.dropErr
}

func (f *fakeAgent) SetRatingUtterance(_ context.Context, _ string, utteranceID, rating string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uttRatings[utteranceID] = rating
	return nil
}

func (f *fakeAgent) SetRatingDialog(_ context.Context, _ string, dialogID, rating string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlgRatings[dialogID] = rating
	return nil
}

func (f *fakeAgent) calls() []agenttypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agenttypes.Message(nil), f.registered...)
}

type fakeIngester struct {
	attrs    media.Attributes
	outcomes []media.Outcome
	ingested []bus.Attachments
	images   map[string][]byte
}

func (f *fakeIngester) Ingest(_ context.Context, attachments bus.Attachments) (media.Attributes, []media.Outcome) {
	f.ingested = append(f.ingested, attachments)
	return f.attrs, f.outcomes
}

func (f *fakeIngester) FetchReplyImage(_ context.Context, link string) ([]byte, error) {
	data, ok := f.images[link]
	if !ok {
		return nil, errors.New("image host unreachable")
	}
	return data, nil
}

type harness struct {
	dispatcher *Dispatcher
	machine    *dialog.Machine
	agent      *fakeAgent
	media      *fakeIngester
	presenter  *presenter.Responder
	replier    *fakeReplier
	events     <-chan bus.Event
}

func newHarness(t *testing.T, opts dialog.Options, reveal bool) *harness {
	t.Helper()

	fake := newFakeAgent()
	machine, err := dialog.NewMachine(dialog.NewStore(), fake, opts)
	require.NoError(t, err)

	responder, err := presenter.Default()
	require.NoError(t, err)

	hub := bus.NewHub()
	t.Cleanup(hub.Close)
	events, unsubscribe := hub.Subscribe(context.Background(), 64)
	t.Cleanup(unsubscribe)

	ingester := &fakeIngester{attrs: media.Attributes{}}
	dispatcher, err := New(Deps{
		Machine:        machine,
		Agent:          fake,
		Media:          ingester,
		Presenter:      responder,
		Events:         hub,
		RevealDialogID: reveal,
	})
	require.NoError(t, err)

	return &harness{
		dispatcher: dispatcher,
		machine:    machine,
		agent:      fake,
		media:      ingester,
		presenter:  responder,
		replier:    &fakeReplier{},
		events:     events,
	}
}

func (h *harness) handle(event bus.InboundEvent) {
	h.dispatcher.Handle(context.Background(), event, h.replier)
}

func (h *harness) state(t *testing.T) dialog.Session {
	t.Helper()
	session, err := h.machine.Session(context.Background(), "42")
	require.NoError(t, err)
	return session
}

func (h *harness) drainEvents() []bus.EventType {
	var types []bus.EventType
	for {
		select {
		case event := <-h.events:
			types = append(types, event.Type)
		default:
			return types
		}
	}
}

var env = bus.Envelope{Channel: "telegram", UserID: "42", ChatID: "42", At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

func command(name string) bus.Command {
	return bus.Command{Envelope: env, Name: name}
}

func TestBeginHelloEndRateScenario(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(command(CommandBegin))
	require.Equal(t, dialog.Active, h.state(t).State)
	require.Equal(t, h.presenter.Message(presenter.MsgBeginSuccess, nil), h.replier.lastText(t).text)
	require.Equal(t, h.presenter.ReplyKeyboard(presenter.KeyboardDialogActive), h.replier.lastText(t).keyboard)

	h.handle(bus.TextMessage{Envelope: env, Text: "hello"})
	calls := h.agent.calls()
	require.Len(t, calls, 1)
	require.Equal(t, agenttypes.Message{
		Utterance:       "hello",
		UserExternalID:  "42",
		UserDeviceType:  "telegram",
		DateTime:        env.At,
		Location:        "",
		ChannelType:     "telegram",
		RequireResponse: true,
		MessageAttrs:    map[string]any{},
	}, calls[0])
	require.Empty(t, h.media.ingested)
	require.Equal(t, 1, h.replier.typing)

	reply := h.replier.lastText(t)
	require.Equal(t, "hi there", reply.text)
	require.Equal(t, h.presenter.UtteranceRatingKeyboard("u-2"), reply.keyboard)
	require.Equal(t, "agent-dialog", h.state(t).ActiveDialogID)

	h.handle(command(CommandEnd))
	session := h.state(t)
	require.Equal(t, dialog.AwaitingRating, session.State)
	require.Equal(t, "agent-dialog", session.ActiveDialogID)
	require.Equal(t, h.presenter.DialogRatingKeyboard("agent-dialog", ""), h.replier.lastText(t).keyboard)

	h.handle(bus.DialogRating{Envelope: env, CallbackID: "cb-1", MessageID: 7, DialogID: "agent-dialog", Rating: "good"})
	session = h.state(t)
	require.Equal(t, dialog.Inactive, session.State)
	require.Empty(t, session.ActiveDialogID)
	require.Equal(t, "good", h.agent.dlgRatings["agent-dialog"])
	require.Equal(t, []edited{{messageID: 7, keyboard: h.presenter.DialogRatingKeyboard("agent-dialog", "good")}}, h.replier.edits)
	require.Equal(t, []answered{{callbackID: "cb-1", text: "Evaluation saved!"}}, h.replier.answers)
	require.Equal(t, h.presenter.Message(presenter.MsgEvaluateDialogSuccess, nil), h.replier.lastText(t).text)
	require.Equal(t, h.presenter.ReplyKeyboard(presenter.KeyboardDialogInactive), h.replier.lastText(t).keyboard)

	require.Equal(t, []bus.EventType{
		bus.EventReceived, bus.EventDialogOpened,
		bus.EventReceived,
		bus.EventReceived, bus.EventDialogClosed,
		bus.EventReceived, bus.EventDialogRated,
	}, h.drainEvents())
}

func TestMessageOutsideDialogIsUnexpected(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(bus.TextMessage{Envelope: env, Text: "hello"})

	require.Empty(t, h.agent.calls())
	require.Equal(t, sentText{text: h.presenter.Message(presenter.MsgUnexpectedMessage, nil)}, h.replier.lastText(t))
}

func TestBeginRefusedWhileActive(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(command(CommandBegin))
	h.handle(command(CommandBegin))

	require.Equal(t, sentText{text: h.presenter.Message(presenter.MsgBeginFail, nil)}, h.replier.lastText(t))
	require.Equal(t, dialog.Active, h.state(t).State)
}

func TestBeginRefusedWhileEvaluationIsMandatory(t *testing.T) {
	h := newHarness(t, dialog.Options{UserMustEvaluate: true}, false)

	h.handle(command(CommandBegin))
	h.handle(command(CommandEnd))
	h.handle(command(CommandBegin))

	require.Equal(t, h.presenter.Message(presenter.MsgBeginFail, nil), h.replier.lastText(t).text)
	require.Equal(t, dialog.AwaitingRating, h.state(t).State)
}

func TestEndWithoutDialog(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(command(CommandEnd))

	require.Equal(t, sentText{
		text:     h.presenter.Message(presenter.MsgEndFail, nil),
		keyboard: h.presenter.ReplyKeyboard(presenter.KeyboardDialogInactive),
	}, h.replier.lastText(t))
}

func TestEndAgentFailureKeepsDialogOpen(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.agent.dropErr = errors.New("agent down")

	h.handle(command(CommandBegin))
	h.handle(command(CommandEnd))

	require.Equal(t, dialog.Active, h.state(t).State)
	require.Equal(t, sentText{text: h.presenter.Message(presenter.MsgGenericFailure, nil)}, h.replier.lastText(t))
}

func TestEndFallsBackToLocalDialogID(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.agent.dropID = ""

	h.handle(command(CommandBegin))
	localID := h.state(t).ActiveDialogID
	require.NotEmpty(t, localID)

	h.handle(command(CommandEnd))
	require.Equal(t, h.presenter.DialogRatingKeyboard(localID, ""), h.replier.lastText(t).keyboard)
}

func TestAgentFailureSendsGenericFailure(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.agent.registerErr = errors.New("connection refused")

	h.handle(command(CommandBegin))
	h.drainEvents()
	h.handle(bus.TextMessage{Envelope: env, Text: "hello"})

	require.Equal(t, sentText{text: h.presenter.Message(presenter.MsgGenericFailure, nil)}, h.replier.lastText(t))
	require.Equal(t, dialog.Active, h.state(t).State)
	require.Equal(t, []bus.EventType{bus.EventReceived, bus.EventAgentFailed}, h.drainEvents())
}

func TestAgentReplyWithoutUtterances(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.agent.reply = agenttypes.Dialog{ID: "d"}

	h.handle(command(CommandBegin))
	h.handle(bus.TextMessage{Envelope: env, Text: "hello"})

	require.Equal(t, h.presenter.Message(presenter.MsgGenericFailure, nil), h.replier.lastText(t).text)
}

func TestMediaMessageForwardsAttributes(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.media.attrs = media.Attributes{media.AttrSoundPath: "https://files.example.com/a.oga", media.AttrSoundDuration: 3}
	h.media.outcomes = []media.Outcome{
		{Modality: media.ModalityImage, Err: errors.New("relay down")},
		{Modality: media.ModalitySound, Attrs: h.media.attrs},
	}

	h.handle(command(CommandBegin))
	h.drainEvents()

	attachments := bus.Attachments{
		Image: &bus.ImageRef{FileID: "photo"},
		Sound: &bus.SoundRef{FileID: "voice", Duration: 3, Kind: bus.SoundVoice},
	}
	h.handle(bus.MediaMessage{Envelope: env, Caption: "listen", Attachments: attachments})

	require.Equal(t, []bus.Attachments{attachments}, h.media.ingested)
	calls := h.agent.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "listen", calls[0].Utterance)
	require.Equal(t, map[string]any{"sound_path": "https://files.example.com/a.oga", "sound_duration": 3}, calls[0].MessageAttrs)
	require.Equal(t, []bus.EventType{bus.EventReceived, bus.EventIngestionFailed}, h.drainEvents())
}

func TestReplyImageIsSentAfterText(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.agent.reply = agenttypes.Dialog{ID: "d", Utterances: []agenttypes.Utterance{{
		ID: "u-9", Text: "a cat", Attributes: map[string]any{"image": "https://files.example.com/img/cat.jpg?x=1"},
	}}}
	h.media.images = map[string][]byte{"https://files.example.com/img/cat.jpg?x=1": []byte("jpeg")}

	h.handle(command(CommandBegin))
	h.handle(bus.TextMessage{Envelope: env, Text: "show me"})

	require.Equal(t, "a cat", h.replier.lastText(t).text)
	require.Equal(t, map[string][]byte{"cat.jpg": []byte("jpeg")}, h.replier.images)
}

func TestReplyImageFailureIsSkipped(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.agent.reply = agenttypes.Dialog{ID: "d", Utterances: []agenttypes.Utterance{{
		ID: "u-9", Text: "a cat", Attributes: map[string]any{"image": "https://gone.example.com/cat.jpg"},
	}}}

	h.handle(command(CommandBegin))
	h.handle(bus.TextMessage{Envelope: env, Text: "show me"})

	require.Equal(t, "a cat", h.replier.lastText(t).text)
	require.Empty(t, h.replier.images)
}

func TestUtteranceRating(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(bus.UtteranceRating{Envelope: env, CallbackID: "cb-0", UtteranceID: "u-2", Rating: "good"})
	require.Empty(t, h.agent.uttRatings)
	require.Equal(t, []answered{{callbackID: "cb-0", text: ""}}, h.replier.answers)

	h.handle(command(CommandBegin))
	h.handle(bus.UtteranceRating{Envelope: env, CallbackID: "cb-1", UtteranceID: "u-2", Rating: "good"})

	require.Equal(t, map[string]string{"u-2": "good"}, h.agent.uttRatings)
	require.Equal(t, answered{callbackID: "cb-1", text: "Good"}, h.replier.answers[1])
	require.Equal(t, dialog.Active, h.state(t).State)
}

func TestStaleDialogRatingWhileActive(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(command(CommandBegin))
	sent := len(h.replier.texts)
	h.drainEvents()
	h.handle(bus.DialogRating{Envelope: env, CallbackID: "cb-1", MessageID: 3, DialogID: "old", Rating: "bad"})

	require.Empty(t, h.agent.dlgRatings)
	require.Empty(t, h.replier.edits)
	require.Equal(t, []answered{{callbackID: "cb-1", text: ""}}, h.replier.answers)
	require.Len(t, h.replier.texts, sent)
	require.Equal(t, []bus.EventType{bus.EventReceived}, h.drainEvents())
	require.Equal(t, dialog.Active, h.state(t).State)
}

func TestDialogClosedBeforeAnyMessageCanBeRated(t *testing.T) {
	h := newHarness(t, dialog.Options{UserMustEvaluate: true}, false)
	h.agent.dropID = ""

	h.handle(command(CommandBegin))
	localID := h.state(t).ActiveDialogID
	h.handle(command(CommandEnd))
	require.Equal(t, dialog.AwaitingRating, h.state(t).State)

	h.handle(bus.DialogRating{Envelope: env, CallbackID: "cb-1", MessageID: 5, DialogID: localID, Rating: "good"})
	require.Equal(t, dialog.Inactive, h.state(t).State)
	require.Empty(t, h.agent.dlgRatings)
	require.Equal(t, []answered{{callbackID: "cb-1", text: "Evaluation saved!"}}, h.replier.answers)

	h.handle(command(CommandBegin))
	require.Equal(t, dialog.Active, h.state(t).State)
	require.Equal(t, h.presenter.Message(presenter.MsgBeginSuccess, nil), h.replier.lastText(t).text)
}

func TestLongDialogIDIsAliasedOnButtons(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	longID := "conv_689667905b048191b4740501625afd940c7533ace33a2dab"
	h.agent.dropID = longID

	h.handle(command(CommandBegin))
	h.handle(command(CommandEnd))

	keyboard := h.replier.lastText(t).keyboard
	require.NotNil(t, keyboard)
	for _, button := range keyboard.Rows[0] {
		require.LessOrEqual(t, len(button.Data), bus.MaxCallbackData)
	}
	parsed, err := bus.ParseCallback(keyboard.Rows[0][0].Data)
	require.NoError(t, err)

	h.handle(bus.DialogRating{Envelope: env, CallbackID: "cb-1", MessageID: 5, DialogID: parsed.ID, Rating: parsed.Rating})

	require.Equal(t, map[string]string{longID: parsed.Rating}, h.agent.dlgRatings)
	require.Equal(t, dialog.Inactive, h.state(t).State)
}

func TestExpiredAliasIsIgnored(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(bus.DialogRating{Envelope: env, CallbackID: "cb-1", MessageID: 5, DialogID: "~unknown", Rating: "good"})
	h.handle(bus.UtteranceRating{Envelope: env, CallbackID: "cb-2", UtteranceID: "~unknown", Rating: "good"})

	require.Empty(t, h.agent.dlgRatings)
	require.Empty(t, h.agent.uttRatings)
	require.Empty(t, h.replier.texts)
	require.Equal(t, []answered{{callbackID: "cb-1"}, {callbackID: "cb-2"}}, h.replier.answers)
}

func TestLateReplyDoesNotRelabelNewDialog(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.agent.dropID = ""

	h.handle(command(CommandBegin))
	release := make(chan struct{})
	h.agent.registerHook = func() { <-release }

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.dispatcher.Handle(context.Background(), bus.TextMessage{Envelope: env, Text: "hello"}, &fakeReplier{})
	}()

	require.Eventually(t, func() bool { return len(h.agent.calls()) == 1 }, time.Second, 5*time.Millisecond)
	h.handle(command(CommandEnd))
	h.handle(bus.DialogRating{Envelope: env, CallbackID: "cb-1", MessageID: 5, DialogID: h.state(t).ActiveDialogID, Rating: "good"})
	h.handle(command(CommandBegin))
	newID := h.state(t).ActiveDialogID

	close(release)
	<-done

	session := h.state(t)
	require.Equal(t, dialog.Active, session.State)
	require.Equal(t, newID, session.ActiveDialogID)
	require.False(t, session.Registered)
}

func TestDialogRatingRevealsID(t *testing.T) {
	h := newHarness(t, dialog.Options{}, true)

	h.handle(bus.DialogRating{Envelope: env, CallbackID: "cb-1", MessageID: 3, DialogID: "d-77", Rating: "good"})

	require.Equal(t, h.presenter.Message(presenter.MsgEvaluateDialogSuccessWithID, map[string]any{"dialog_id": "d-77"}), h.replier.lastText(t).text)
	require.Contains(t, h.replier.lastText(t).text, "d-77")
	require.Equal(t, dialog.Inactive, h.state(t).State)
}

func TestStaticCommands(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(command(CommandStart))
	require.Equal(t, sentText{
		text:     h.presenter.Message(presenter.MsgStart, nil),
		keyboard: h.presenter.ReplyKeyboard(presenter.KeyboardDialogInactive),
	}, h.replier.lastText(t))

	h.handle(command(CommandHelp))
	require.Equal(t, sentText{text: h.presenter.Message(presenter.MsgHelp, nil)}, h.replier.lastText(t))

	h.handle(command(CommandComplain))
	require.Equal(t, sentText{text: h.presenter.Message(presenter.MsgComplainFail, nil)}, h.replier.lastText(t))

	h.handle(command(CommandBegin))
	h.handle(command(CommandComplain))
	require.Equal(t, sentText{text: h.presenter.Message(presenter.MsgComplainSuccess, nil)}, h.replier.lastText(t))
	require.Equal(t, dialog.Active, h.state(t).State)
}

func TestUnknownCommandReachesAgentAsText(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)

	h.handle(command(CommandBegin))
	h.handle(bus.Command{Envelope: env, Name: "weather", Args: "berlin"})

	calls := h.agent.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "/weather berlin", calls[0].Utterance)
}

func TestSendFailureIsReported(t *testing.T) {
	h := newHarness(t, dialog.Options{}, false)
	h.replier.sendErr = errors.New("chat not found")

	h.handle(command(CommandHelp))

	require.Equal(t, []bus.EventType{bus.EventReceived, bus.EventReplyFailed}, h.drainEvents())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
