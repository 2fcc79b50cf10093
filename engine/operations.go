package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/values"
	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/variables"
)

// ErrNotConfigured is returned by operations whose collaborator is missing.
var ErrNotConfigured = errors.New("operation collaborator not configured")

// Invocation carries everything one operation run needs. Definitions are
// already merged over the catalog defaults and Attributes is a private copy.
type Invocation struct {
	RuleID          string
	EventName       string
	Operation       string
	RuleDefinitions rules.Definitions
	Definitions     rules.Definitions
	Attributes      Attributes
}

// ChatMessage is a message the bot sends on behalf of a user.
type ChatMessage struct {
	Username    string `json:"username"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	Whisper     bool   `json:"whisper"`
}

// CommandRequest re-enters the command parser as if the user typed Command.
type CommandRequest struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Command  string `json:"command"`
	Quiet    bool   `json:"quiet"`
}

type ChatSender interface {
	SendChat(ctx context.Context, msg ChatMessage) error
}

type CommandRunner interface {
	RunCommand(ctx context.Context, req CommandRequest) error
}

type CommercialStarter interface {
	StartCommercial(ctx context.Context, seconds int) error
}

type ClipCreator interface {
	// CreateClip returns the clip id, or "" when the platform refused.
	CreateClip(ctx context.Context, hasDelay bool) (string, error)
}

type ChannelController interface {
	JoinChannel(ctx context.Context) error
	LeaveChannel(ctx context.Context) error
}

type Overlay interface {
	ExplodeEmotes(ctx context.Context, emotes []string) error
	FireworkEmotes(ctx context.Context, emotes []string) error
	ShowClip(ctx context.Context, clipID string) error
}

// EventRaiser raises a follow-up event, e.g. commercial after a commercial
// was started.
type EventRaiser interface {
	Raise(ctx context.Context, eventName string, attrs Attributes) error
}

// OperationDeps are the side-effect collaborators of the default operations.
// Any of them may be nil; the operations that need it then fail with
// ErrNotConfigured.
type OperationDeps struct {
	Chat        ChatSender
	Commands    CommandRunner
	Commercials CommercialStarter
	Clips       ClipCreator
	Channel     ChannelController
	Overlay     Overlay
	Events      EventRaiser
	Users       identity.Directory
	Resolver    identity.Resolver
	Roles       identity.Roles
	Variables   variables.Store

	// Excluded reports usernames the resolver already failed on; those
	// senders are not looked up again.
	Excluded func(username string) bool
}

// ClipURL is the public link of a clip id.
func ClipURL(id string) string {
	return "https://clips.twitch.tv/" + id
}

// DefaultOperationCatalog binds the supported operations to deps.
func DefaultOperationCatalog(deps OperationDeps) *OperationCatalog {
	ops := &operations{deps: deps}
	return NewOperationCatalog(
		OperationSpec{Name: "send-chat-message", Definitions: rules.Definitions{"messageToSend": ""}, Run: ops.sendChat},
		OperationSpec{Name: "send-whisper", Definitions: rules.Definitions{"messageToSend": ""}, Run: ops.sendWhisper},
		OperationSpec{Name: "run-command", Definitions: rules.Definitions{"commandToRun": "", "isCommandQuiet": false}, Run: ops.runCommand},
		OperationSpec{Name: "emote-explosion", Definitions: rules.Definitions{"emotesToExplode": ""}, Run: ops.emoteExplosion},
		OperationSpec{Name: "emote-firework", Definitions: rules.Definitions{"emotesToFirework": ""}, Run: ops.emoteFirework},
		OperationSpec{
			Name:        "start-commercial",
			Definitions: rules.Definitions{"durationOfCommercial": []any{30, 60, 90, 120, 150, 180}},
			Run:         ops.startCommercial,
		},
		OperationSpec{Name: "bot-will-join-channel", Definitions: rules.Definitions{}, Run: ops.joinChannel},
		OperationSpec{Name: "bot-will-leave-channel", Definitions: rules.Definitions{}, Run: ops.leaveChannel},
		OperationSpec{Name: "create-a-clip", Definitions: rules.Definitions{"announce": false, "hasDelay": true}, Run: ops.createClip},
		OperationSpec{Name: "create-a-clip-and-play-replay", Definitions: rules.Definitions{"announce": false, "hasDelay": true}, Run: ops.createClipAndReplay},
		OperationSpec{Name: "increment-custom-variable", Definitions: rules.Definitions{"customVariable": "", "numberToIncrement": "1"}, Run: ops.incrementVariable},
		OperationSpec{Name: "set-custom-variable", Definitions: rules.Definitions{"customVariable": "", "value": ""}, Run: ops.setVariable},
		OperationSpec{Name: "decrement-custom-variable", Definitions: rules.Definitions{"customVariable": "", "numberToDecrement": "1"}, Run: ops.decrementVariable},
	)
}

type operations struct {
	deps OperationDeps
}

func notConfigured(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotConfigured)
}

// render substitutes placeholders, including $_name custom variables.
func (o *operations) render(ctx context.Context, text string, inv Invocation) string {
	attrs := inv.Attributes
	if o.deps.Variables != nil && strings.Contains(text, variables.Prefix) {
		if all, err := o.deps.Variables.GetAll(ctx); err == nil {
			attrs = attrs.Clone()
			for name, v := range all {
				attrs["_"+name] = v
			}
		}
	}
	return ReplacePlaceholders(text, attrs, inv.RuleDefinitions)
}

// sender resolves who an operation acts as: the event subject, or the
// channel owner for events without one.
func (o *operations) sender(inv Invocation) (string, string) {
	if inv.Attributes.Has("username") {
		return inv.Attributes.String("username"), inv.Attributes.String("userId")
	}
	return o.deps.Roles.Owner(), ""
}

func (o *operations) sendChat(ctx context.Context, inv Invocation) error {
	return o.sendMessage(ctx, inv, false)
}

func (o *operations) sendWhisper(ctx context.Context, inv Invocation) error {
	return o.sendMessage(ctx, inv, true)
}

func (o *operations) sendMessage(ctx context.Context, inv Invocation, whisper bool) error {
	if o.deps.Chat == nil {
		return notConfigured("chat")
	}
	username, userID := o.sender(inv)
	displayName := username

	if !inv.Attributes.Bool("test") {
		if o.deps.Users == nil || o.deps.Resolver == nil {
			return notConfigured("users")
		}
		if o.deps.Excluded != nil && o.deps.Excluded(username) {
			return fmt.Errorf("sender %s: %w", username, identity.ErrUnresolvableUser)
		}
		user, err := identity.Ensure(ctx, o.deps.Users, o.deps.Resolver, username, "")
		if err != nil {
			return fmt.Errorf("sender %s: %w", username, err)
		}
		userID = user.ID
		if user.DisplayName != "" {
			displayName = user.DisplayName
		}
	}

	return o.deps.Chat.SendChat(ctx, ChatMessage{
		Username:    username,
		UserID:      userID,
		DisplayName: displayName,
		Text:        o.render(ctx, inv.Definitions.String("messageToSend"), inv),
		Whisper:     whisper,
	})
}

func (o *operations) runCommand(ctx context.Context, inv Invocation) error {
	if o.deps.Commands == nil {
		return notConfigured("commands")
	}
	username, userID := o.sender(inv)
	if userID == "" && o.deps.Users != nil {
		if user, err := o.deps.Users.FindByUsername(ctx, username); err == nil {
			userID = user.ID
		}
	}

	return o.deps.Commands.RunCommand(ctx, CommandRequest{
		Username: username,
		UserID:   userID,
		Command:  o.render(ctx, inv.Definitions.String("commandToRun"), inv),
		Quiet:    inv.Definitions.Bool("isCommandQuiet"),
	})
}

func (o *operations) emoteExplosion(ctx context.Context, inv Invocation) error {
	if o.deps.Overlay == nil {
		return notConfigured("overlay")
	}
	return o.deps.Overlay.ExplodeEmotes(ctx, strings.Fields(inv.Definitions.String("emotesToExplode")))
}

func (o *operations) emoteFirework(ctx context.Context, inv Invocation) error {
	if o.deps.Overlay == nil {
		return notConfigured("overlay")
	}
	return o.deps.Overlay.FireworkEmotes(ctx, strings.Fields(inv.Definitions.String("emotesToFirework")))
}

func (o *operations) startCommercial(ctx context.Context, inv Invocation) error {
	if o.deps.Commercials == nil {
		return notConfigured("commercials")
	}
	duration := inv.Definitions["durationOfCommercial"]
	if choices, ok := duration.([]any); ok && len(choices) > 0 {
		duration = choices[0]
	}
	seconds := int(values.NumberOr(duration, 0))
	if seconds <= 0 {
		return fmt.Errorf("invalid commercial duration %v", duration)
	}

	if err := o.deps.Commercials.StartCommercial(ctx, seconds); err != nil {
		return fmt.Errorf("start commercial: %w", err)
	}
	if o.deps.Events != nil {
		return o.deps.Events.Raise(ctx, EventCommercial, Attributes{"duration": seconds})
	}
	return nil
}

func (o *operations) joinChannel(ctx context.Context, _ Invocation) error {
	if o.deps.Channel == nil {
		return notConfigured("channel")
	}
	return o.deps.Channel.JoinChannel(ctx)
}

func (o *operations) leaveChannel(ctx context.Context, _ Invocation) error {
	if o.deps.Channel == nil {
		return notConfigured("channel")
	}
	return o.deps.Channel.LeaveChannel(ctx)
}

// clip creates a clip and optionally announces it. An empty id means the
// platform did not create one.
func (o *operations) clip(ctx context.Context, inv Invocation) (string, error) {
	if o.deps.Clips == nil {
		return "", notConfigured("clips")
	}
	id, err := o.deps.Clips.CreateClip(ctx, inv.Definitions.Bool("hasDelay"))
	if err != nil {
		return "", fmt.Errorf("create clip: %w", err)
	}
	if id == "" {
		logger.Warn("clip was not created", "rule_id", inv.RuleID)
		return "", nil
	}
	logger.Info("clip created", "rule_id", inv.RuleID, "clip_id", id)

	if inv.Definitions.Bool("announce") && o.deps.Chat != nil {
		err := o.deps.Chat.SendChat(ctx, ChatMessage{
			Username:    o.deps.Roles.Bot,
			DisplayName: o.deps.Roles.Bot,
			Text:        "Clip created: " + ClipURL(id),
		})
		if err != nil {
			return id, fmt.Errorf("announce clip: %w", err)
		}
	}
	return id, nil
}

func (o *operations) createClip(ctx context.Context, inv Invocation) error {
	_, err := o.clip(ctx, inv)
	return err
}

func (o *operations) createClipAndReplay(ctx context.Context, inv Invocation) error {
	if o.deps.Overlay == nil {
		return notConfigured("overlay")
	}
	id, err := o.clip(ctx, inv)
	if err != nil || id == "" {
		return err
	}
	return o.deps.Overlay.ShowClip(ctx, id)
}

func (o *operations) incrementVariable(ctx context.Context, inv Invocation) error {
	if o.deps.Variables == nil {
		return notConfigured("variables")
	}
	_, err := o.deps.Variables.Increment(ctx, inv.Definitions.String("customVariable"), inv.Definitions.Number("numberToIncrement"))
	return err
}

func (o *operations) decrementVariable(ctx context.Context, inv Invocation) error {
	if o.deps.Variables == nil {
		return notConfigured("variables")
	}
	_, err := variables.Decrement(ctx, o.deps.Variables, inv.Definitions.String("customVariable"), inv.Definitions.Number("numberToDecrement"))
	return err
}

func (o *operations) setVariable(ctx context.Context, inv Invocation) error {
	if o.deps.Variables == nil {
		return notConfigured("variables")
	}
	value := o.render(ctx, inv.Definitions.String("value"), inv)
	return o.deps.Variables.Set(ctx, inv.Definitions.String("customVariable"), value)
}
