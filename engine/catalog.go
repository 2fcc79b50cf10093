package engine

import (
	"context"

	"github.com/liamcoop/botevents/rules"
)

// Checker gates a rule on its definitions and trigger state. Checkers may
// mutate rule.Triggered and persist it through env.Store.
type Checker func(ctx context.Context, env CheckEnv, rule *rules.EventRule, attrs Attributes) (bool, error)

// EventSpec describes one supported event kind.
type EventSpec struct {
	Name        string            `json:"id"`
	Variables   []string          `json:"variables,omitempty"`
	Definitions rules.Definitions `json:"definitions,omitempty"`
	Check       Checker           `json:"-"`
}

// EventCatalog is an immutable table of supported events.
type EventCatalog struct {
	order  []string
	byName map[string]EventSpec
}

func NewEventCatalog(specs ...EventSpec) *EventCatalog {
	c := &EventCatalog{byName: make(map[string]EventSpec, len(specs))}
	for _, s := range specs {
		if _, dup := c.byName[s.Name]; !dup {
			c.order = append(c.order, s.Name)
		}
		c.byName[s.Name] = s
	}
	return c
}

func (c *EventCatalog) Lookup(name string) (EventSpec, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// List returns the specs in registration order.
func (c *EventCatalog) List() []EventSpec {
	out := make([]EventSpec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

// OperationHandler performs one side effect.
type OperationHandler func(ctx context.Context, inv Invocation) error

// OperationSpec describes one supported operation kind.
type OperationSpec struct {
	Name        string            `json:"id"`
	Definitions rules.Definitions `json:"definitions,omitempty"`
	Run         OperationHandler  `json:"-"`
}

// OperationCatalog is an immutable table of supported operations.
type OperationCatalog struct {
	order  []string
	byName map[string]OperationSpec
}

func NewOperationCatalog(specs ...OperationSpec) *OperationCatalog {
	c := &OperationCatalog{byName: make(map[string]OperationSpec, len(specs))}
	for _, s := range specs {
		if _, dup := c.byName[s.Name]; !dup {
			c.order = append(c.order, s.Name)
		}
		c.byName[s.Name] = s
	}
	return c
}

func (c *OperationCatalog) Lookup(name string) (OperationSpec, bool) {
	s, ok := c.byName[name]
	return s, ok
}

func (c *OperationCatalog) List() []OperationSpec {
	out := make([]OperationSpec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

var (
	userVariables = []string{
		"username", "is.moderator", "is.subscriber", "is.vip", "is.follower",
		"is.broadcaster", "is.bot", "is.owner",
	}
	recipientVariables = []string{
		"recipient", "recipientis.moderator", "recipientis.subscriber", "recipientis.vip",
		"recipientis.follower", "recipientis.broadcaster", "recipientis.bot", "recipientis.owner",
	}
)

func withUser(extra ...string) []string {
	out := make([]string, 0, len(userVariables)+len(extra))
	out = append(out, userVariables...)
	return append(out, extra...)
}

// Event names with a checker.
const (
	EventCommandSendXTimes       = "command-send-x-times"
	EventKeywordSendXTimes       = "keyword-send-x-times"
	EventViewersAtLeast          = "number-of-viewers-is-at-least-x"
	EventStreamIsRunningXMinutes = "stream-is-running-x-minutes"
	EventEveryXMinutesOfStream   = "every-x-minutes-of-stream"
	EventHosted                  = "hosted"
	EventRaid                    = "raid"
	EventRewardRedeemed          = "reward-redeemed"
	EventCommercial              = "commercial"
)

// DefaultEventCatalog returns the supported events with their defaults.
// runInterval is in seconds; 0 disables the cooldown.
func DefaultEventCatalog() *EventCatalog {
	return NewEventCatalog(
		EventSpec{Name: "user-joined-channel", Variables: withUser()},
		EventSpec{Name: "user-parted-channel", Variables: withUser()},
		EventSpec{Name: "follow", Variables: withUser()},
		EventSpec{Name: "unfollow", Variables: withUser()},
		EventSpec{Name: "subscription", Variables: withUser("method", "subCumulativeMonths", "tier")},
		EventSpec{Name: "subgift", Variables: append(withUser(recipientVariables...), "tier")},
		EventSpec{Name: "subcommunitygift", Variables: []string{"username", "count"}},
		EventSpec{Name: "resub", Variables: withUser(
			"subStreakShareEnabled", "subStreak", "subStreakName",
			"subCumulativeMonths", "subCumulativeMonthsName", "tier",
		)},
		EventSpec{Name: "tip", Variables: []string{
			"username", "amount", "currency", "message", "amountInBotCurrency", "currencyInBot",
		}},
		EventSpec{
			Name:      EventCommandSendXTimes,
			Variables: withUser("command", "count", "source"),
			Definitions: rules.Definitions{
				"fadeOutXCommands":  0,
				"fadeOutInterval":   0,
				"runEveryXCommands": 10,
				"commandToWatch":    "",
				"runInterval":       0,
			},
			Check: checkCommandSendXTimes,
		},
		EventSpec{
			Name:      EventKeywordSendXTimes,
			Variables: withUser("command", "count", "source"),
			Definitions: rules.Definitions{
				"fadeOutXKeywords":      0,
				"fadeOutInterval":       0,
				"runEveryXKeywords":     10,
				"keywordToWatch":        "",
				"runInterval":           0,
				"resetCountEachMessage": false,
			},
			Check: checkKeywordSendXTimes,
		},
		EventSpec{
			Name:        EventViewersAtLeast,
			Variables:   []string{"count"},
			Definitions: rules.Definitions{"viewersAtLeast": 100, "runInterval": 0},
			Check:       checkViewersAtLeast,
		},
		EventSpec{Name: "stream-started"},
		EventSpec{Name: "stream-stopped"},
		EventSpec{
			Name:        EventStreamIsRunningXMinutes,
			Definitions: rules.Definitions{"runAfterXMinutes": 100},
			Check:       checkStreamIsRunningXMinutes,
		},
		EventSpec{Name: "cheer", Variables: withUser("bits", "message")},
		EventSpec{Name: "clearchat"},
		EventSpec{Name: "action", Variables: withUser()},
		EventSpec{Name: "ban", Variables: withUser("reason")},
		EventSpec{Name: "hosting", Variables: []string{"target", "viewers"}},
		EventSpec{
			Name:        EventHosted,
			Variables:   withUser("viewers"),
			Definitions: rules.Definitions{"viewersAtLeast": 1},
			Check:       checkViewersInAttributes,
		},
		EventSpec{
			Name:        EventRaid,
			Variables:   withUser("viewers"),
			Definitions: rules.Definitions{"viewersAtLeast": 1},
			Check:       checkViewersInAttributes,
		},
		EventSpec{Name: "mod", Variables: withUser()},
		EventSpec{Name: EventCommercial, Variables: []string{"duration"}},
		EventSpec{Name: "timeout", Variables: withUser("duration")},
		EventSpec{
			Name:        EventEveryXMinutesOfStream,
			Definitions: rules.Definitions{"runEveryXMinutes": 100},
			Check:       checkEveryXMinutesOfStream,
		},
		EventSpec{Name: "game-changed", Variables: []string{"oldGame", "game"}},
		EventSpec{
			Name:        EventRewardRedeemed,
			Variables:   withUser("userInput"),
			Definitions: rules.Definitions{"titleOfReward": ""},
			Check:       checkRewardTitle,
		},
	)
}
