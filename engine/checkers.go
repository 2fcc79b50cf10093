package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/liamcoop/botevents/internal/values"
	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/stats"
)

// CheckEnv is what checkers may read and write besides the rule itself.
type CheckEnv struct {
	Store rules.RuleStore
	Stats stats.Provider
	Now   func() time.Time
}

func (env CheckEnv) nowMillis() float64 {
	now := time.Now
	if env.Now != nil {
		now = env.Now
	}
	return float64(now().UnixMilli())
}

func (env CheckEnv) snapshot() stats.Snapshot {
	if env.Stats == nil {
		return stats.Snapshot{}
	}
	return env.Stats.Current()
}

func (env CheckEnv) save(ctx context.Context, rule *rules.EventRule) error {
	if err := env.Store.SaveTriggered(ctx, rule.ID, rule.Triggered); err != nil {
		return fmt.Errorf("save trigger state of rule %s: %w", rule.ID, err)
	}
	return nil
}

// Trigger state keys.
const (
	stateCommandCount  = "runEveryXCommands"
	stateKeywordCount  = "runEveryXKeywords"
	stateLastRun       = "runInterval"
	stateFadeOut       = "fadeOutInterval"
	stateRunAfter      = "runAfterXMinutes"
	stateEveryXMinutes = "runEveryXMinutes"
)

func ensureTriggered(rule *rules.EventRule) {
	if rule.Triggered == nil {
		rule.Triggered = rules.Triggered{}
	}
}

// cooledDown reports whether the rule may fire again given its runInterval
// definition in seconds. A non-positive interval means no cooldown.
func cooledDown(rule *rules.EventRule, now float64) bool {
	interval := rule.Definitions.Number("runInterval")
	if interval <= 0 {
		return true
	}
	last, _ := rule.Triggered.Number(stateLastRun)
	return now-last >= interval*1000
}

// frequencyStep advances a send-x-times counter by hits and reports whether
// the threshold and cooldown allow firing. On fire the counter resets.
func frequencyStep(rule *rules.EventRule, counterKey, thresholdKey string, hits int, resetFirst bool, now float64) bool {
	counter, _ := rule.Triggered.Number(counterKey)
	if resetFirst {
		counter = 0
	}
	counter += float64(hits)
	rule.Triggered[counterKey] = counter

	fire := counter >= rule.Definitions.Number(thresholdKey) && cooledDown(rule, now)
	if fire {
		rule.Triggered[counterKey] = 0
		rule.Triggered[stateLastRun] = now
	}
	return fire
}

func checkCommandSendXTimes(ctx context.Context, env CheckEnv, rule *rules.EventRule, attrs Attributes) (bool, error) {
	command := strings.TrimSpace(rule.Definitions.String("commandToWatch"))
	if command == "" {
		return false, nil
	}
	pattern, err := regexp.Compile(`(?i)^` + regexp.QuoteMeta(command) + `\s`)
	if err != nil {
		return false, nil
	}
	if !pattern.MatchString(attrs.String("message") + " ") {
		return false, nil
	}

	ensureTriggered(rule)
	fire := frequencyStep(rule, stateCommandCount, "runEveryXCommands", 1, false, env.nowMillis())
	return fire, env.save(ctx, rule)
}

// keywordPattern treats keywordToWatch as a case-insensitive regular
// expression, or as literal text when it does not compile.
func keywordPattern(keyword string) *regexp.Regexp {
	if p, err := regexp.Compile(`(?i)` + keyword); err == nil {
		return p
	}
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(keyword))
}

func checkKeywordSendXTimes(ctx context.Context, env CheckEnv, rule *rules.EventRule, attrs Attributes) (bool, error) {
	keyword := rule.Definitions.String("keywordToWatch")
	if strings.TrimSpace(keyword) == "" {
		return false, nil
	}
	matches := keywordPattern(keyword).FindAllStringIndex(attrs.String("message")+" ", -1)
	if len(matches) == 0 {
		return false, nil
	}

	ensureTriggered(rule)
	reset := rule.Definitions.Bool("resetCountEachMessage")
	fire := frequencyStep(rule, stateKeywordCount, "runEveryXKeywords", len(matches), reset, env.nowMillis())
	return fire, env.save(ctx, rule)
}

// checkViewersAtLeast compares the live viewer count. Without a cooldown the
// rule fires once until its state is reset.
func checkViewersAtLeast(ctx context.Context, env CheckEnv, rule *rules.EventRule, _ Attributes) (bool, error) {
	ensureTriggered(rule)
	now := env.nowMillis()
	last, _ := rule.Triggered.Number(stateLastRun)
	interval := rule.Definitions.Number("runInterval")

	viewers := float64(env.snapshot().Viewers)
	fire := viewers >= rule.Definitions.Number("viewersAtLeast") &&
		((interval > 0 && now-last >= interval*1000) || (interval <= 0 && last == 0))
	if !fire {
		return false, nil
	}
	rule.Triggered[stateLastRun] = now
	return true, env.save(ctx, rule)
}

// checkStreamIsRunningXMinutes fires once per stream after the uptime passes
// runAfterXMinutes.
func checkStreamIsRunningXMinutes(ctx context.Context, env CheckEnv, rule *rules.EventRule, _ Attributes) (bool, error) {
	snap := env.snapshot()
	if !snap.Online {
		return false, nil
	}
	ensureTriggered(rule)
	if sentinel, _ := rule.Triggered.Number(stateRunAfter); sentinel != 0 {
		return false, nil
	}

	now := env.nowMillis()
	uptime := now - float64(snap.StreamStart.UnixMilli())
	if uptime <= rule.Definitions.Number("runAfterXMinutes")*60*1000 {
		return false, nil
	}
	rule.Triggered[stateRunAfter] = now
	return true, env.save(ctx, rule)
}

// checkEveryXMinutesOfStream fires each time runEveryXMinutes elapsed since
// the last stamp. The first evaluation only stamps.
func checkEveryXMinutesOfStream(ctx context.Context, env CheckEnv, rule *rules.EventRule, _ Attributes) (bool, error) {
	ensureTriggered(rule)
	now := env.nowMillis()

	stamp, ok := rule.Triggered.Number(stateEveryXMinutes)
	fresh := !ok || stamp == 0
	if fresh {
		stamp = now
	}

	fire := now-stamp >= rule.Definitions.Number("runEveryXMinutes")*60*1000
	if fire || fresh {
		rule.Triggered[stateEveryXMinutes] = now
		if err := env.save(ctx, rule); err != nil {
			return false, err
		}
	}
	return fire, nil
}

// checkViewersInAttributes gates hosted and raid on the reported party size.
func checkViewersInAttributes(_ context.Context, _ CheckEnv, rule *rules.EventRule, attrs Attributes) (bool, error) {
	viewers, ok := values.Number(attrs["viewers"])
	if !ok || !attrs.Has("viewers") {
		return false, nil
	}
	return viewers >= rule.Definitions.Number("viewersAtLeast"), nil
}

func checkRewardTitle(_ context.Context, _ CheckEnv, rule *rules.EventRule, attrs Attributes) (bool, error) {
	if !attrs.Has("titleOfReward") {
		return false, nil
	}
	return attrs.String("titleOfReward") == rule.Definitions.String("titleOfReward"), nil
}
