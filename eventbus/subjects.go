// Package eventbus connects the engine to the rest of the bot over NATS:
// platform events come in as CloudEvents and side effects go out as
// command messages.
package eventbus

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidToken = errors.New("invalid subject token")
	ErrInvalidClass = errors.New("invalid subject class")
)

// Source is the first subject token and the CloudEvent source of everything
// this service publishes.
const Source = "botevents"

// Subject classes.
const (
	ClassEvents   = "events"
	ClassCommands = "commands"
	ClassMetrics  = "metrics"
)

var allowedClasses = map[string]struct{}{
	ClassEvents:   {},
	ClassCommands: {},
	ClassMetrics:  {},
}

// Well-known subjects.
var (
	SubjectFire        = mustSubject(ClassEvents, "fire", "")
	SubjectStreamStats = mustSubject(ClassMetrics, "stream", "")
	SubjectChat        = mustSubject(ClassCommands, "chat", "send")
	SubjectCommand     = mustSubject(ClassCommands, "chat", "command")
	SubjectCommercial  = mustSubject(ClassCommands, "channel", "commercial")
	SubjectClip        = mustSubject(ClassCommands, "channel", "clip")
	SubjectJoin        = mustSubject(ClassCommands, "channel", "join")
	SubjectLeave       = mustSubject(ClassCommands, "channel", "leave")
)

// IsValidToken reports whether token is lowercase alphanumeric or underscore.
func IsValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}

// BuildSubject constructs source.class.typ[.action].
func BuildSubject(source, class, typ, action string) (string, error) {
	if !IsValidToken(source) {
		return "", fmt.Errorf("invalid source token: %w", ErrInvalidToken)
	}
	if !IsValidToken(class) {
		return "", fmt.Errorf("invalid class token: %w", ErrInvalidToken)
	}
	if _, ok := allowedClasses[class]; !ok {
		return "", fmt.Errorf("class %q is not allowed: %w", class, ErrInvalidClass)
	}
	if !IsValidToken(typ) {
		return "", fmt.Errorf("invalid type token: %w", ErrInvalidToken)
	}

	subject := source + "." + class + "." + typ
	if action != "" {
		if !IsValidToken(action) {
			return "", fmt.Errorf("invalid action token: %w", ErrInvalidToken)
		}
		subject += "." + action
	}
	return subject, nil
}

func mustSubject(class, typ, action string) string {
	s, err := BuildSubject(Source, class, typ, action)
	if err != nil {
		panic(err)
	}
	return s
}
