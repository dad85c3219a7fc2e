package services

import (
	"context"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/models"
)

// LocalState is everything one context holds about the shared record, plus
// the parts reconciliation must leave alone.
type LocalState struct {
	APIKey     string
	Enabled    bool
	Model      string
	Theme      string
	Dimensions models.ChatDimensions

	History             []models.Chat
	CurrentChatID       string
	Messages            []models.Message
	PageContentIncluded bool
	SearchToolEnabled   bool

	// Input is the unsent composer text. Reconcile never touches it.
	Input string
	// InFlight pins CurrentChatID and Messages while a send is running.
	InFlight bool
}

// DefaultLocalState is a context's state before anything was loaded.
func DefaultLocalState() LocalState {
	return LocalState{
		Model:      models.DefaultModel,
		Theme:      models.ThemeLight,
		Dimensions: models.ChatDimensions{Width: models.DefaultChatWidth, Height: models.DefaultChatHeight},
	}
}

func (s LocalState) clone() LocalState {
	s.History = slices.Clone(s.History)
	s.Messages = slices.Clone(s.Messages)
	return s
}

// Reconcile merges an observed config into local state. The same function
// serves initial load, storage notifications and CONFIG_UPDATED broadcasts.
// Applying the same config twice yields the same state as applying it once.
func Reconcile(local LocalState, in models.Config) LocalState {
	out := local.clone()
	prevHistory := local.History

	out.APIKey = in.GeminiAPIKey
	out.Enabled = in.ExtensionEnabled
	if in.GeminiModel != "" {
		out.Model = in.GeminiModel
	}
	if in.Theme != "" {
		out.Theme = in.Theme
	}
	if in.ChatDimensions != nil {
		out.Dimensions = *in.ChatDimensions
	}
	if in.ChatHistory != nil {
		out.History = slices.Clone(in.ChatHistory)
	}

	if in.CurrentChatID == "" || out.InFlight {
		return out
	}
	i := models.FindChat(out.History, in.CurrentChatID)
	if i < 0 {
		return out
	}
	incoming := out.History[i]

	if in.CurrentChatID != local.CurrentChatID {
		out.CurrentChatID = in.CurrentChatID
		showChat(&out, incoming)
		return out
	}

	// Same chat: only pick it up when the stored entry actually changed,
	// e.g. another context appended to it.
	j := models.FindChat(prevHistory, in.CurrentChatID)
	if j < 0 || !models.ChatsEqual(prevHistory[j], incoming) {
		showChat(&out, incoming)
	}
	return out
}

func showChat(s *LocalState, c models.Chat) {
	s.Messages = slices.Clone(c.Messages)
	if s.Messages == nil {
		s.Messages = []models.Message{}
	}
	s.PageContentIncluded = c.PageContentIncluded
	s.SearchToolEnabled = c.SearchToolEnabled
}

// Reconciler is the local side of a context that accepts observed configs.
type Reconciler interface {
	ApplyConfig(cfg models.Config)
}

// CrossContextSync feeds storage notifications and broadcast messages into
// one Reconciler.
type CrossContextSync struct {
	store  *ConfigStore
	bus    core.MessageBus
	target Reconciler
}

func NewCrossContextSync(store *ConfigStore, bus core.MessageBus, target Reconciler) *CrossContextSync {
	return &CrossContextSync{store: store, bus: bus, target: target}
}

// Run subscribes to both sources and blocks until ctx ends or a source
// fails to subscribe.
func (s *CrossContextSync) Run(ctx context.Context) error {
	changes, msgs, err := s.subscribe(ctx)
	if err != nil {
		return err
	}
	return s.consume(ctx, changes, msgs)
}

func (s *CrossContextSync) subscribe(ctx context.Context) (<-chan ConfigChange, <-chan models.BroadcastMessage, error) {
	changes, err := s.store.Watch(ctx)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.bus.Subscribe(ctx)
	if err != nil {
		return nil, nil, err
	}
	return changes, msgs, nil
}

func (s *CrossContextSync) consume(ctx context.Context, changes <-chan ConfigChange, msgs <-chan models.BroadcastMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case c, ok := <-changes:
				if !ok {
					return nil
				}
				s.target.ApplyConfig(c.New)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case m, ok := <-msgs:
				if !ok {
					return nil
				}
				if m.Type != models.MessageConfigUpdated || m.Config == nil {
					slog.Debug("sync: ignoring broadcast", "type", m.Type)
					continue
				}
				s.target.ApplyConfig(*m.Config)
			}
		}
	})
	return g.Wait()
}
