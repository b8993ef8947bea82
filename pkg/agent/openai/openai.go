package openai

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	agenttypes "tgbridge/pkg/agent/types"
	"tgbridge/pkg/config"
)

//go:embed templates/default.md
var templatesFS embed.FS

var (
	ErrUnknownUtterance = errors.New("unknown utterance")
	ErrUnknownDialog    = errors.New("unknown dialog")
)

// Agent is an in-process dialog agent that answers with the OpenAI
// Responses API. Each dialog maps to one OpenAI conversation; dialogs and
// ratings live in memory only.
type Agent struct {
	client         osdk.Client
	model          string
	instructions   string
	requestTimeout time.Duration
	log            *slog.Logger
	newID          func() string

	mu      sync.Mutex
	users   map[string]*userDialogs
	dialogs map[string]*dialogRecord
}

type userDialogs struct {
	// mu serializes one user's calls, including the network round trips.
	mu     sync.Mutex
	active *dialogRecord
}

type dialogRecord struct {
	id         string
	userID     string
	utterances []agenttypes.Utterance
	ratings    map[string]string
	rating     string
}

func New(cfg config.AgentConfig, log *slog.Logger) (*Agent, error) {
	openaiCfg := cfg.OpenAI
	apiKey := resolveAPIKey(openaiCfg)
	if apiKey == "" {
		return nil, errors.New("agent.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeModel(openaiCfg.Model)
	if err != nil {
		return nil, err
	}

	instructions, err := resolveInstructions(openaiCfg.Instructions)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(openaiCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(openaiCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(openaiCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := cfg.Timeout()
	opts = append(opts, option.WithRequestTimeout(requestTimeout))

	if log == nil {
		log = slog.Default()
	}

	return &Agent{
		client:         osdk.NewClient(opts...),
		model:          model,
		instructions:   instructions,
		requestTimeout: requestTimeout,
		log:            log.With("component", "agent.openai"),
		newID:          uuid.NewString,
		users:          make(map[string]*userDialogs),
		dialogs:        make(map[string]*dialogRecord),
	}, nil
}

// RegisterMsg appends the user's utterance to the active dialog, opening one
// when needed, and returns the dialog with the model's reply as its newest
// utterance.
func (a *Agent) RegisterMsg(ctx context.Context, msg agenttypes.Message) (agenttypes.Dialog, error) {
	user := a.user(msg.UserExternalID)
	user.mu.Lock()
	defer user.mu.Unlock()

	if user.active == nil {
		dialog, err := a.openDialog(ctx, msg.UserExternalID)
		if err != nil {
			return agenttypes.Dialog{}, err
		}
		user.active = dialog
	}
	dialog := user.active

	a.mu.Lock()
	dialog.utterances = append(dialog.utterances, agenttypes.Utterance{
		ID:         a.newID(),
		Text:       msg.Utterance,
		Attributes: msg.MessageAttrs,
	})
	a.mu.Unlock()

	if !msg.RequireResponse {
		return a.snapshot(dialog), nil
	}

	replyID, text, err := a.respond(ctx, dialog.id, composePrompt(msg))
	if err != nil {
		return agenttypes.Dialog{}, err
	}

	a.mu.Lock()
	dialog.utterances = append(dialog.utterances, agenttypes.Utterance{ID: replyID, Text: text})
	a.mu.Unlock()

	return a.snapshot(dialog), nil
}

// DropActiveDialog closes the user's dialog and returns its id, or the empty
// string when no dialog is open.
func (a *Agent) DropActiveDialog(ctx context.Context, userID string) (string, error) {
	user := a.user(userID)
	user.mu.Lock()
	defer user.mu.Unlock()

	if user.active == nil {
		return "", nil
	}

	a.mu.Lock()
	dialog := user.active
	user.active = nil
	a.mu.Unlock()

	a.log.Debug("dialog closed", "user_id", userID, "dialog_id", dialog.id, "utterances", len(dialog.utterances))
	return dialog.id, nil
}

func (a *Agent) SetRatingUtterance(ctx context.Context, userID, utteranceID, rating string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, dialog := range a.dialogs {
		if dialog.userID != userID {
			continue
		}
		if slices.ContainsFunc(dialog.utterances, func(u agenttypes.Utterance) bool { return u.ID == utteranceID }) {
			dialog.ratings[utteranceID] = rating
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrUnknownUtterance, utteranceID)
}

func (a *Agent) SetRatingDialog(ctx context.Context, userID, dialogID, rating string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dialog, ok := a.dialogs[dialogID]
	if !ok || dialog.userID != userID {
		return fmt.Errorf("%w: %s", ErrUnknownDialog, dialogID)
	}
	dialog.rating = rating

	return nil
}

// Ratings reports the dialog rating and the utterance ratings recorded for
// dialogID.
func (a *Agent) Ratings(dialogID string) (string, map[string]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dialog, ok := a.dialogs[dialogID]
	if !ok {
		return "", nil, false
	}

	ratings := make(map[string]string, len(dialog.ratings))
	for id, rating := range dialog.ratings {
		ratings[id] = rating
	}
	return dialog.rating, ratings, true
}

func (a *Agent) user(userID string) *userDialogs {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, ok := a.users[userID]
	if !ok {
		user = &userDialogs{}
		a.users[userID] = user
	}
	return user
}

func (a *Agent) openDialog(ctx context.Context, userID string) (*dialogRecord, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	log := a.log.With("operation", "open_dialog")
	startedAt := time.Now()
	log.Debug("agent request started", "user_id", userID)

	conversation, err := a.client.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		log.Debug("agent request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, fmt.Errorf("open dialog: %w", err)
	}
	if conversation == nil || strings.TrimSpace(conversation.ID) == "" {
		return nil, errors.New("open dialog returned empty conversation id")
	}
	log.Debug("agent request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "dialog_id", conversation.ID)

	dialog := &dialogRecord{
		id:      strings.TrimSpace(conversation.ID),
		userID:  userID,
		ratings: make(map[string]string),
	}

	a.mu.Lock()
	a.dialogs[dialog.id] = dialog
	a.mu.Unlock()

	return dialog, nil
}

func (a *Agent) respond(ctx context.Context, dialogID, prompt string) (string, string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	log := a.log.With("operation", "respond")
	startedAt := time.Now()
	log.Debug("agent request started", "dialog_id", dialogID, "model", a.model, "prompt_length", len(prompt))

	params := responses.ResponseNewParams{
		Model: a.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: dialogID},
		},
	}
	if a.instructions != "" {
		params.Instructions = osdk.String(a.instructions)
	}

	response, err := a.client.Responses.New(ctx, params)
	if err != nil {
		log.Debug("agent request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", "", fmt.Errorf("respond: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		return "", "", errors.New("respond succeeded but returned no text")
	}
	log.Debug("agent request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
		"total_tokens", response.Usage.TotalTokens,
	)

	replyID := strings.TrimSpace(response.ID)
	if replyID == "" {
		replyID = a.newID()
	}
	return replyID, text, nil
}

func (a *Agent) snapshot(dialog *dialogRecord) agenttypes.Dialog {
	a.mu.Lock()
	defer a.mu.Unlock()

	return agenttypes.Dialog{ID: dialog.id, Utterances: slices.Clone(dialog.utterances)}
}

func (a *Agent) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, a.requestTimeout)
}

// composePrompt renders the utterance followed by one bracketed line per
// media attribute, in key order.
func composePrompt(msg agenttypes.Message) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(msg.Utterance))

	keys := make([]string, 0, len(msg.MessageAttrs))
	for key := range msg.MessageAttrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s: %v]", strings.TrimSuffix(key, "_path"), msg.MessageAttrs[key])
	}

	if b.Len() == 0 {
		return "(empty message)"
	}
	return b.String()
}

func resolveInstructions(configured string) (string, error) {
	if value := strings.TrimSpace(configured); value != "" {
		return value, nil
	}

	content, err := templatesFS.ReadFile("templates/default.md")
	if err != nil {
		return "", fmt.Errorf("load default instructions: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}

func resolveAPIKey(cfg config.OpenAIConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("agent.openai.model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by the openai agent", providerID)
	}

	return modelID, nil
}
