package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/core/llm"
	"github.com/markdave123-py/contextai/internal/models"
)

const (
	MissingKeyNotice = "Please add your Gemini API key in the extension popup to use this feature."
	SendErrorNotice  = "Sorry, I encountered an error. Please check your API key and try again."
	pageContextLead  = "Context from current page:\n"

	DefaultFragmentTimeout = 60 * time.Second
)

var ErrFragmentTimeout = errors.New("no response fragment within timeout")

type State int

const (
	StateIdle State = iota
	StateComposing
	StateSending
	StateStreaming
	StateErrorIdle
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComposing:
		return "composing"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateErrorIdle:
		return "error_idle"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) busy() bool {
	return s == StateSending || s == StateStreaming
}

// Outcome is how a send attempt ended. Send never returns an error.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeMissingKey
	OutcomeCompleted
	OutcomeFailed
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeMissingKey:
		return "missing_key"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
	Current   bool      `json:"current"`
}

// View is a point-in-time snapshot of one context.
type View struct {
	ContextID           string                `json:"context_id"`
	State               string                `json:"state"`
	PanelOpen           bool                  `json:"panel_open"`
	Input               string                `json:"input"`
	Messages            []models.Message      `json:"messages"`
	Streaming           string                `json:"streaming"`
	CurrentChatID       string                `json:"current_chat_id"`
	PageContentIncluded bool                  `json:"page_content_included"`
	SearchToolEnabled   bool                  `json:"search_tool_enabled"`
	APIKeySet           bool                  `json:"api_key_set"`
	Enabled             bool                  `json:"enabled"`
	Model               string                `json:"model"`
	Theme               string                `json:"theme"`
	Dimensions          models.ChatDimensions `json:"dimensions"`
	Chats               []ChatSummary         `json:"chats"`
	EstimatedTokens     int                   `json:"estimated_tokens"`
}

const (
	EventView     = "view"
	EventFragment = "fragment"
)

// Event is pushed to view subscribers. Fragment events carry only the text
// appended since the previous one.
type Event struct {
	Type     string `json:"type"`
	View     *View  `json:"view,omitempty"`
	Fragment string `json:"fragment,omitempty"`
}

// SessionController owns one context's local state and its send state
// machine. Its mutex is never held across storage or model calls.
type SessionController struct {
	id              string
	store           *ConfigStore
	repo            *ChatRepository
	streamer        core.ChatStreamer
	fragmentTimeout time.Duration

	mu        sync.Mutex
	local     LocalState
	state     State
	streaming string
	epoch     uint64
	cancel    context.CancelFunc
	panelOpen bool
	pageText  string
	estTokens int
	subs      map[int]chan Event
	nextSub   int
}

func NewSessionController(id string, store *ConfigStore, repo *ChatRepository, streamer core.ChatStreamer, fragmentTimeout time.Duration) *SessionController {
	if fragmentTimeout <= 0 {
		fragmentTimeout = DefaultFragmentTimeout
	}
	return &SessionController{
		id:              id,
		store:           store,
		repo:            repo,
		streamer:        streamer,
		fragmentTimeout: fragmentTimeout,
		local:           DefaultLocalState(),
		subs:            make(map[int]chan Event),
	}
}

func (c *SessionController) ID() string { return c.id }

// Load reads the record once. A record without chat_history gets an empty
// one written back.
func (c *SessionController) Load(ctx context.Context) error {
	cfg, exists, err := c.store.Lookup(ctx)
	if err != nil {
		logStorageError("load config", err, "context_id", c.id)
		return err
	}
	if exists && cfg.ChatHistory == nil {
		empty := []models.Chat{}
		if written, err := c.store.Set(ctx, ConfigPatch{ChatHistory: &empty}); err != nil {
			logStorageError("init chat history", err, "context_id", c.id)
		} else {
			cfg = written
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = Reconcile(c.local, cfg)
	c.notifyLocked()
	return nil
}

// ApplyConfig reconciles an observed config into local state.
func (c *SessionController) ApplyConfig(cfg models.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = Reconcile(c.local, cfg)
	c.notifyLocked()
}

func (c *SessionController) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.Input = text
	if !c.state.busy() {
		if strings.TrimSpace(text) == "" {
			c.state = StateIdle
		} else {
			c.state = StateComposing
		}
	}
	c.notifyLocked()
}

// SetPageText stores the latest extracted host-page text.
func (c *SessionController) SetPageText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageText = text
}

// SetPanelOpen opens or closes the chat panel. Closing abandons any send in
// flight.
func (c *SessionController) SetPanelOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panelOpen = open
	if !open {
		c.abandonLocked()
	}
	c.notifyLocked()
}

// abandonLocked bumps the epoch so late fragments and completions of the
// current send are dropped.
func (c *SessionController) abandonLocked() {
	if !c.state.busy() {
		return
	}
	c.epoch++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateIdle
	c.streaming = ""
	c.local.InFlight = false
}

// Send runs one send attempt to completion. It blocks while the response
// streams; progress is published to subscribers.
func (c *SessionController) Send(ctx context.Context) Outcome {
	c.mu.Lock()
	raw := c.local.Input
	if !c.local.Enabled || strings.TrimSpace(raw) == "" || c.state.busy() {
		c.mu.Unlock()
		return OutcomeIgnored
	}

	if c.local.APIKey == "" {
		c.local.Messages = append(slices.Clone(c.local.Messages),
			models.Message{Role: models.RoleUser, Content: raw},
			models.Message{Role: models.RoleAssistant, Content: MissingKeyNotice},
		)
		c.local.Input = ""
		c.state = StateIdle
		c.notifyLocked()
		c.mu.Unlock()
		return OutcomeMissingKey
	}

	user := models.Message{Role: models.RoleUser, Content: strings.TrimSpace(raw)}
	c.local.Input = ""
	c.local.InFlight = true
	c.state = StateSending
	c.epoch++
	epoch := c.epoch
	sendCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	chatID := c.local.CurrentChatID
	defaults := models.ChatDefaults{
		PageContentIncluded: c.local.PageContentIncluded,
		SearchToolEnabled:   c.local.SearchToolEnabled,
	}
	c.notifyLocked()
	c.mu.Unlock()
	defer cancel()

	if chatID == "" {
		chat, cfg, err := c.repo.CreateChat(sendCtx, defaults)
		if err != nil {
			logStorageError("create chat", err, "context_id", c.id)
			return c.fail(epoch, user, err)
		}
		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			return OutcomeAbandoned
		}
		chatID = chat.ID
		c.local.CurrentChatID = chat.ID
		c.local.History = cfg.ChatHistory
		c.local.Messages = []models.Message{}
		c.mu.Unlock()
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return OutcomeAbandoned
	}
	prior := slices.Clone(c.local.Messages)
	c.local.Messages = append(slices.Clone(c.local.Messages), user)
	req := core.ChatRequest{
		APIKey:        c.local.APIKey,
		Model:         c.local.Model,
		Temperature:   core.DefaultTemperature,
		SearchEnabled: c.local.SearchToolEnabled,
		Messages:      buildMessages(prior, user, c.local.PageContentIncluded, c.pageText),
	}
	c.notifyLocked()
	c.mu.Unlock()

	if n, err := llm.EstimateTokens(req.Messages); err == nil {
		c.mu.Lock()
		if epoch == c.epoch {
			c.estTokens = n
			c.notifyLocked()
		}
		c.mu.Unlock()
		slog.Info("session: sending", "context_id", c.id, "chat_id", chatID,
			"model", req.Model, "messages", len(req.Messages), "est_tokens", n, "search", req.SearchEnabled)
	}

	frags, err := c.streamer.StreamChat(sendCtx, req)
	if err != nil {
		return c.fail(epoch, models.Message{}, err)
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return OutcomeAbandoned
	}
	c.state = StateStreaming
	c.notifyLocked()
	c.mu.Unlock()

	full, err := c.consume(sendCtx, epoch, frags)
	if errors.Is(err, errAbandoned) {
		return OutcomeAbandoned
	}
	if err != nil {
		return c.fail(epoch, models.Message{}, err)
	}

	assistant := models.Message{Role: models.RoleAssistant, Content: full}
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return OutcomeAbandoned
	}
	c.local.Messages = append(slices.Clone(c.local.Messages), assistant)
	c.streaming = ""
	c.mu.Unlock()

	// The exchange is complete; a later abandon must not cancel the write.
	chat, cfg, err := c.repo.AppendExchange(context.WithoutCancel(ctx), chatID, user, assistant)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		logStorageError("append exchange", err, "context_id", c.id, "chat_id", chatID)
	} else if epoch == c.epoch {
		c.local.History = cfg.ChatHistory
		c.local.Messages = slices.Clone(chat.Messages)
	}
	if epoch == c.epoch {
		c.state = StateIdle
		if strings.TrimSpace(c.local.Input) != "" {
			c.state = StateComposing
		}
		c.local.InFlight = false
		c.cancel = nil
	}
	c.notifyLocked()
	return OutcomeCompleted
}

var errAbandoned = errors.New("send abandoned")

// consume drains the fragment stream, publishing each fragment as it
// arrives. Silence longer than the fragment timeout is a failure.
func (c *SessionController) consume(ctx context.Context, epoch uint64, frags <-chan core.Fragment) (string, error) {
	var full strings.Builder
	timer := time.NewTimer(c.fragmentTimeout)
	defer timer.Stop()

	for {
		select {
		case f, ok := <-frags:
			if !ok {
				return full.String(), nil
			}
			if f.Err != nil {
				return "", f.Err
			}
			full.WriteString(f.Text)

			c.mu.Lock()
			if epoch != c.epoch {
				c.mu.Unlock()
				return "", errAbandoned
			}
			c.streaming = full.String()
			c.publishLocked(Event{Type: EventFragment, Fragment: f.Text})
			c.mu.Unlock()

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.fragmentTimeout)
		case <-timer.C:
			return "", ErrFragmentTimeout
		case <-ctx.Done():
			c.mu.Lock()
			abandoned := epoch != c.epoch
			c.mu.Unlock()
			if abandoned {
				return "", errAbandoned
			}
			return "", ctx.Err()
		}
	}
}

// fail moves the attempt to ErrorIdle with the canned apology. A non-empty
// user message is appended first when the optimistic append never happened.
func (c *SessionController) fail(epoch uint64, user models.Message, cause error) Outcome {
	slog.Error("session: send failed", "context_id", c.id, "error", cause)

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return OutcomeAbandoned
	}
	msgs := slices.Clone(c.local.Messages)
	if user.Content != "" {
		msgs = append(msgs, user)
	}
	c.local.Messages = append(msgs, models.Message{Role: models.RoleAssistant, Content: SendErrorNotice})
	c.streaming = ""
	c.state = StateErrorIdle
	c.local.InFlight = false
	c.cancel = nil
	c.notifyLocked()
	return OutcomeFailed
}

// buildMessages assembles the outbound list: optional page context, the
// prior conversation with roles normalised, then the new user message.
func buildMessages(prior []models.Message, user models.Message, includePage bool, page string) []models.Message {
	out := make([]models.Message, 0, len(prior)+2)
	if includePage && page != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: pageContextLead + page})
	}
	for _, m := range prior {
		out = append(out, models.Message{Role: models.NormalizeRole(m.Role), Content: m.Content})
	}
	return append(out, user)
}

// NewChat abandons any send and starts a fresh chat.
func (c *SessionController) NewChat(ctx context.Context) error {
	c.mu.Lock()
	c.abandonLocked()
	defaults := models.ChatDefaults{
		PageContentIncluded: c.local.PageContentIncluded,
		SearchToolEnabled:   c.local.SearchToolEnabled,
	}
	c.notifyLocked()
	c.mu.Unlock()

	chat, cfg, err := c.repo.CreateChat(ctx, defaults)
	if err != nil {
		logStorageError("create chat", err, "context_id", c.id)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.History = cfg.ChatHistory
	c.local.CurrentChatID = chat.ID
	showChat(&c.local, chat)
	c.notifyLocked()
	return nil
}

func (c *SessionController) SwitchChat(ctx context.Context, chatID string) error {
	c.mu.Lock()
	c.abandonLocked()
	c.notifyLocked()
	c.mu.Unlock()

	chat, cfg, err := c.repo.SwitchTo(ctx, chatID)
	if err != nil {
		if !errors.Is(err, ErrChatNotFound) {
			logStorageError("switch chat", err, "context_id", c.id, "chat_id", chatID)
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.History = cfg.ChatHistory
	c.local.CurrentChatID = chat.ID
	showChat(&c.local, chat)
	c.notifyLocked()
	return nil
}

// DeleteChat removes a chat. Deleting the chat on screen abandons any send
// and shows its successor.
func (c *SessionController) DeleteChat(ctx context.Context, chatID string) error {
	c.mu.Lock()
	current := c.local.CurrentChatID
	defaults := models.ChatDefaults{
		PageContentIncluded: c.local.PageContentIncluded,
		SearchToolEnabled:   c.local.SearchToolEnabled,
	}
	if chatID == current {
		c.abandonLocked()
		c.notifyLocked()
	}
	c.mu.Unlock()

	res, err := c.repo.Delete(ctx, chatID, current, defaults)
	if err != nil {
		if !errors.Is(err, ErrChatNotFound) {
			logStorageError("delete chat", err, "context_id", c.id, "chat_id", chatID)
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.History = res.Config.ChatHistory
	if res.Replaced {
		c.local.CurrentChatID = res.Current.ID
		showChat(&c.local, res.Current)
	}
	c.notifyLocked()
	return nil
}

func (c *SessionController) RenameChat(ctx context.Context, chatID, title string) error {
	cfg, err := c.repo.Rename(ctx, chatID, title)
	if err != nil {
		if !errors.Is(err, ErrEmptyTitle) && !errors.Is(err, ErrChatNotFound) {
			logStorageError("rename chat", err, "context_id", c.id, "chat_id", chatID)
		}
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.History = cfg.ChatHistory
	c.notifyLocked()
	return nil
}

// SetToggle flips a per-chat flag locally at once and persists it when a
// chat is current.
func (c *SessionController) SetToggle(ctx context.Context, field string, value bool) error {
	c.mu.Lock()
	switch field {
	case TogglePageContent:
		c.local.PageContentIncluded = value
	case ToggleSearchTool:
		c.local.SearchToolEnabled = value
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownToggle, field)
	}
	chatID := c.local.CurrentChatID
	c.notifyLocked()
	c.mu.Unlock()

	if chatID == "" {
		return nil
	}
	cfg, err := c.repo.SetToggle(ctx, chatID, field, value)
	if err != nil {
		logStorageError("set toggle", err, "context_id", c.id, "chat_id", chatID, "field", field)
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.History = cfg.ChatHistory
	c.notifyLocked()
	return nil
}

// ToggleTheme switches between light and dark and persists the result.
func (c *SessionController) ToggleTheme(ctx context.Context) (string, error) {
	c.mu.Lock()
	next := models.ThemeDark
	if c.local.Theme == models.ThemeDark {
		next = models.ThemeLight
	}
	c.local.Theme = next
	c.notifyLocked()
	c.mu.Unlock()

	if _, err := c.store.Set(ctx, ConfigPatch{Theme: &next}); err != nil {
		logStorageError("set theme", err, "context_id", c.id)
		return next, err
	}
	return next, nil
}

// SetModel selects the model locally and persists it only when a record
// already exists.
func (c *SessionController) SetModel(ctx context.Context, model string) error {
	c.mu.Lock()
	c.local.Model = model
	c.notifyLocked()
	c.mu.Unlock()

	_, exists, err := c.store.Lookup(ctx)
	if err != nil {
		logStorageError("load config", err, "context_id", c.id)
		return err
	}
	if !exists {
		return nil
	}
	if _, err := c.store.Set(ctx, ConfigPatch{GeminiModel: &model}); err != nil {
		logStorageError("set model", err, "context_id", c.id)
		return err
	}
	return nil
}

// SetDimensions persists the panel size. Local state follows a successful
// write.
func (c *SessionController) SetDimensions(ctx context.Context, d models.ChatDimensions) error {
	if _, err := c.store.Set(ctx, ConfigPatch{ChatDimensions: &d}); err != nil {
		logStorageError("set dimensions", err, "context_id", c.id)
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.Dimensions = d
	c.notifyLocked()
	return nil
}

func (c *SessionController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribers reports how many view subscriptions are open.
func (c *SessionController) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *SessionController) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *SessionController) viewLocked() View {
	chats := models.SortChats(c.local.History)
	summaries := make([]ChatSummary, 0, len(chats))
	for _, ch := range chats {
		summaries = append(summaries, ChatSummary{
			ID:        ch.ID,
			Title:     models.DisplayTitle(ch),
			UpdatedAt: ch.UpdatedAt,
			Current:   ch.ID == c.local.CurrentChatID,
		})
	}
	msgs := slices.Clone(c.local.Messages)
	if msgs == nil {
		msgs = []models.Message{}
	}
	return View{
		ContextID:           c.id,
		State:               c.state.String(),
		PanelOpen:           c.panelOpen,
		Input:               c.local.Input,
		Messages:            msgs,
		Streaming:           c.streaming,
		CurrentChatID:       c.local.CurrentChatID,
		PageContentIncluded: c.local.PageContentIncluded,
		SearchToolEnabled:   c.local.SearchToolEnabled,
		APIKeySet:           c.local.APIKey != "",
		Enabled:             c.local.Enabled,
		Model:               c.local.Model,
		Theme:               c.local.Theme,
		Dimensions:          c.local.Dimensions,
		Chats:               summaries,
		EstimatedTokens:     c.estTokens,
	}
}

// Subscribe returns a stream of view events that ends with ctx. The current
// view is delivered first.
func (c *SessionController) Subscribe(ctx context.Context) <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 64)
	v := c.viewLocked()
	ch <- Event{Type: EventView, View: &v}
	c.subs[id] = ch

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}()
	return ch
}

// Close abandons any send and ends every subscription.
func (c *SessionController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandonLocked()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *SessionController) notifyLocked() {
	if len(c.subs) == 0 {
		return
	}
	v := c.viewLocked()
	c.publishLocked(Event{Type: EventView, View: &v})
}

func (c *SessionController) publishLocked(e Event) {
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("session: subscriber lagging, event dropped", "context_id", c.id, "type", e.Type)
		}
	}
}
