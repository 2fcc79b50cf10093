package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/rules"
	"github.com/liamcoop/botevents/variables"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	args  []any
}

func (r *recorder) record(call string, arg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	r.args = append(r.args, arg)
}

func (r *recorder) snapshot() ([]string, []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]any(nil), r.args...)
}

type fakeSideEffects struct {
	recorder
	clipID string
}

func (f *fakeSideEffects) RunCommand(_ context.Context, req CommandRequest) error {
	f.record("command", req)
	return nil
}

func (f *fakeSideEffects) StartCommercial(_ context.Context, seconds int) error {
	f.record("commercial", seconds)
	return nil
}

func (f *fakeSideEffects) CreateClip(_ context.Context, hasDelay bool) (string, error) {
	f.record("clip", hasDelay)
	return f.clipID, nil
}

func (f *fakeSideEffects) JoinChannel(context.Context) error {
	f.record("join", nil)
	return nil
}

func (f *fakeSideEffects) LeaveChannel(context.Context) error {
	f.record("leave", nil)
	return nil
}

func (f *fakeSideEffects) ExplodeEmotes(_ context.Context, emotes []string) error {
	f.record("explode", emotes)
	return nil
}

func (f *fakeSideEffects) FireworkEmotes(_ context.Context, emotes []string) error {
	f.record("firework", emotes)
	return nil
}

func (f *fakeSideEffects) ShowClip(_ context.Context, clipID string) error {
	f.record("replay", clipID)
	return nil
}

func (f *fakeSideEffects) Raise(_ context.Context, eventName string, attrs Attributes) error {
	f.record("raise:"+eventName, attrs)
	return nil
}

type opsFixture struct {
	effects *fakeSideEffects
	chat    *recordingChat
	vars    *variables.InMemoryStore
	users   *identity.InMemoryDirectory
	catalog *OperationCatalog
}

func newOpsFixture() *opsFixture {
	f := &opsFixture{
		effects: &fakeSideEffects{clipID: "AwkwardClip"},
		chat:    &recordingChat{},
		vars:    variables.NewInMemoryStore(),
		users:   identity.NewInMemoryDirectory(user("1", "alice")),
	}
	f.catalog = DefaultOperationCatalog(OperationDeps{
		Chat:        f.chat,
		Commands:    f.effects,
		Commercials: f.effects,
		Clips:       f.effects,
		Channel:     f.effects,
		Overlay:     f.effects,
		Events:      f.effects,
		Users:       f.users,
		Resolver: identity.ResolverFunc(func(_ context.Context, username string) (string, error) {
			return "id-" + username, nil
		}),
		Roles:     identity.Roles{Broadcaster: "streamer", Bot: "botty"},
		Variables: f.vars,
	})
	return f
}

func (f *opsFixture) run(t *testing.T, name string, defs rules.Definitions, attrs Attributes) error {
	t.Helper()
	spec, ok := f.catalog.Lookup(name)
	if !ok {
		t.Fatalf("operation %s not registered", name)
	}
	return spec.Run(context.Background(), Invocation{
		RuleID:      "r1",
		Operation:   name,
		Definitions: defs.WithDefaults(spec.Definitions),
		Attributes:  attrs,
	})
}

// TestDefaultOperationCatalog verifies every supported operation is registered in order
func TestDefaultOperationCatalog(t *testing.T) {
	want := []string{
		"send-chat-message", "send-whisper", "run-command", "emote-explosion", "emote-firework",
		"start-commercial", "bot-will-join-channel", "bot-will-leave-channel", "create-a-clip",
		"create-a-clip-and-play-replay", "increment-custom-variable", "set-custom-variable",
		"decrement-custom-variable",
	}

	var got []string
	for _, spec := range DefaultOperationCatalog(OperationDeps{}).List() {
		got = append(got, spec.Name)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("operations = %v, want %v", got, want)
	}
}

// TestOperationSendWhisper verifies whispers resolve the sender and render placeholders
func TestOperationSendWhisper(t *testing.T) {
	f := newOpsFixture()

	err := f.run(t, "send-whisper", rules.Definitions{"messageToSend": "hi $username"}, Attributes{"username": "alice"})
	if err != nil {
		t.Fatalf("send-whisper failed: %v", err)
	}

	msgs := f.chat.Messages()
	if len(msgs) != 1 || !msgs[0].Whisper || msgs[0].Text != "hi alice" || msgs[0].UserID != "1" {
		t.Errorf("messages = %+v", msgs)
	}
}

// TestOperationSendChatFallsBackToOwner verifies events without a subject speak as the owner
func TestOperationSendChatFallsBackToOwner(t *testing.T) {
	f := newOpsFixture()

	if err := f.run(t, "send-chat-message", rules.Definitions{"messageToSend": "stream started"}, Attributes{}); err != nil {
		t.Fatalf("send-chat-message failed: %v", err)
	}

	msgs := f.chat.Messages()
	if len(msgs) != 1 || msgs[0].Username != "streamer" || msgs[0].UserID != "id-streamer" {
		t.Errorf("messages = %+v, want one sent as streamer", msgs)
	}
	if f.users.Creates() != 1 {
		t.Errorf("owner should have been persisted once, creates = %d", f.users.Creates())
	}
}

// TestOperationRunCommand verifies the command is rendered and passed with the quiet flag
func TestOperationRunCommand(t *testing.T) {
	f := newOpsFixture()

	err := f.run(t, "run-command", rules.Definitions{"commandToRun": "!points add $username 10", "isCommandQuiet": true},
		Attributes{"username": "alice"})
	if err != nil {
		t.Fatalf("run-command failed: %v", err)
	}

	_, args := f.effects.snapshot()
	want := CommandRequest{Username: "alice", UserID: "1", Command: "!points add alice 10", Quiet: true}
	if len(args) != 1 || args[0] != want {
		t.Errorf("command = %+v, want %+v", args, want)
	}
}

// TestOperationEmotes verifies emote lists are split on whitespace
func TestOperationEmotes(t *testing.T) {
	f := newOpsFixture()

	if err := f.run(t, "emote-explosion", rules.Definitions{"emotesToExplode": " Kappa  PogChamp "}, nil); err != nil {
		t.Fatalf("emote-explosion failed: %v", err)
	}
	if err := f.run(t, "emote-firework", rules.Definitions{"emotesToFirework": "LUL"}, nil); err != nil {
		t.Fatalf("emote-firework failed: %v", err)
	}

	calls, args := f.effects.snapshot()
	if !reflect.DeepEqual(calls, []string{"explode", "firework"}) {
		t.Fatalf("calls = %v", calls)
	}
	if !reflect.DeepEqual(args[0], []string{"Kappa", "PogChamp"}) {
		t.Errorf("explode args = %v", args[0])
	}
}

// TestOperationStartCommercial verifies the commercial starts and raises the commercial event
func TestOperationStartCommercial(t *testing.T) {
	tests := []struct {
		name string
		defs rules.Definitions
		want int
	}{
		{"configured duration", rules.Definitions{"durationOfCommercial": "90"}, 90},
		{"default choice", rules.Definitions{}, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOpsFixture()
			if err := f.run(t, "start-commercial", tt.defs, nil); err != nil {
				t.Fatalf("start-commercial failed: %v", err)
			}

			calls, args := f.effects.snapshot()
			if !reflect.DeepEqual(calls, []string{"commercial", "raise:commercial"}) {
				t.Fatalf("calls = %v", calls)
			}
			if args[0] != tt.want {
				t.Errorf("duration = %v, want %d", args[0], tt.want)
			}
			if raised := args[1].(Attributes); raised["duration"] != tt.want {
				t.Errorf("raised attributes = %v", raised)
			}
		})
	}
}

// TestOperationCreateClip verifies clip creation, announcement and replay
func TestOperationCreateClip(t *testing.T) {
	f := newOpsFixture()

	if err := f.run(t, "create-a-clip-and-play-replay", rules.Definitions{"announce": true}, nil); err != nil {
		t.Fatalf("create-a-clip-and-play-replay failed: %v", err)
	}

	calls, args := f.effects.snapshot()
	if !reflect.DeepEqual(calls, []string{"clip", "replay"}) {
		t.Fatalf("calls = %v", calls)
	}
	if args[0] != true || args[1] != "AwkwardClip" {
		t.Errorf("args = %v", args)
	}
	texts := f.chat.Texts()
	if len(texts) != 1 || texts[0] != "Clip created: "+ClipURL("AwkwardClip") {
		t.Errorf("announcement = %v", texts)
	}
}

// TestOperationCreateClipRefused verifies nothing is replayed when no clip was made
func TestOperationCreateClipRefused(t *testing.T) {
	f := newOpsFixture()
	f.effects.clipID = ""

	if err := f.run(t, "create-a-clip-and-play-replay", rules.Definitions{"announce": true}, nil); err != nil {
		t.Fatalf("create-a-clip-and-play-replay failed: %v", err)
	}

	calls, _ := f.effects.snapshot()
	if !reflect.DeepEqual(calls, []string{"clip"}) {
		t.Errorf("calls = %v, want only clip", calls)
	}
	if texts := f.chat.Texts(); len(texts) != 0 {
		t.Errorf("nothing should be announced, got %v", texts)
	}
}

// TestOperationCustomVariables verifies increment, decrement and set with placeholders
func TestOperationCustomVariables(t *testing.T) {
	f := newOpsFixture()
	ctx := context.Background()

	steps := []struct {
		op   string
		defs rules.Definitions
	}{
		{"increment-custom-variable", rules.Definitions{"customVariable": "$_deaths", "numberToIncrement": "5"}},
		{"decrement-custom-variable", rules.Definitions{"customVariable": "deaths", "numberToDecrement": 2}},
		{"set-custom-variable", rules.Definitions{"customVariable": "last", "value": "$username died, total $_deaths"}},
	}
	for _, s := range steps {
		if err := f.run(t, s.op, s.defs, Attributes{"username": "alice"}); err != nil {
			t.Fatalf("%s failed: %v", s.op, err)
		}
	}

	if v, _ := f.vars.Get(ctx, "deaths"); v != "3" {
		t.Errorf("deaths = %q, want 3", v)
	}
	if v, _ := f.vars.Get(ctx, "last"); v != "alice died, total 3" {
		t.Errorf("last = %q", v)
	}
}

// TestOperationMissingCollaborator verifies unconfigured side effects fail cleanly
func TestOperationMissingCollaborator(t *testing.T) {
	catalog := DefaultOperationCatalog(OperationDeps{})

	for _, spec := range catalog.List() {
		err := spec.Run(context.Background(), Invocation{Operation: spec.Name, Definitions: spec.Definitions.Clone(), Attributes: Attributes{}})
		if !errors.Is(err, ErrNotConfigured) {
			t.Errorf("%s error = %v, want ErrNotConfigured", spec.Name, err)
		}
	}
}

// TestDispatcherRunsKnownOperations verifies unknown operations are skipped and the rest run with merged definitions
func TestDispatcherRunsKnownOperations(t *testing.T) {
	var mu sync.Mutex
	var seen []Invocation
	capture := func(_ context.Context, inv Invocation) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, inv)
		return nil
	}
	catalog := NewOperationCatalog(OperationSpec{
		Name:        "capture",
		Definitions: rules.Definitions{"a": 1, "b": 2},
		Run:         capture,
	})
	d := NewDispatcher(catalog, nil)

	rule := &rules.EventRule{
		ID:        "r1",
		EventName: "follow",
		Operations: []rules.Operation{
			{Name: "capture", Definitions: rules.Definitions{"b": 3}},
			{Name: "no-such-operation"},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := d.Dispatch(ctx, rule, Attributes{"username": "alice"})
	d.Wait()

	if n != 1 {
		t.Errorf("launched = %d, want 1", n)
	}
	if len(seen) != 1 {
		t.Fatalf("ran %d operations, want 1", len(seen))
	}
	if seen[0].Definitions.Number("a") != 1 || seen[0].Definitions.Number("b") != 3 {
		t.Errorf("definitions = %v, want defaults merged under overrides", seen[0].Definitions)
	}
	if seen[0].Attributes.String("username") != "alice" {
		t.Errorf("attributes = %v", seen[0].Attributes)
	}
}

// TestDispatcherDetachesContext verifies operations outlive a cancelled caller context
func TestDispatcherDetachesContext(t *testing.T) {
	var ctxErr error
	catalog := NewOperationCatalog(OperationSpec{Name: "op", Run: func(ctx context.Context, _ Invocation) error {
		ctxErr = ctx.Err()
		return nil
	}})
	d := NewDispatcher(catalog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, &rules.EventRule{Operations: []rules.Operation{{Name: "op"}}}, nil)
	d.Wait()

	if ctxErr != nil {
		t.Errorf("operation saw ctx error %v", ctxErr)
	}
}

// TestDispatcherIsolatesFailures verifies a panicking or failing operation does not stop its siblings
func TestDispatcherIsolatesFailures(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	mark := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, name)
	}

	catalog := NewOperationCatalog(
		OperationSpec{Name: "panics", Run: func(context.Context, Invocation) error {
			panic("boom")
		}},
		OperationSpec{Name: "fails", Run: func(context.Context, Invocation) error {
			mark("fails")
			return errors.New("nope")
		}},
		OperationSpec{Name: "mutates", Run: func(_ context.Context, inv Invocation) error {
			inv.Attributes["username"] = "mallory"
			mark("mutates")
			return nil
		}},
	)
	d := NewDispatcher(catalog, nil)
	attrs := Attributes{"username": "alice"}

	n := d.Dispatch(context.Background(), &rules.EventRule{ID: "r1", Operations: []rules.Operation{
		{Name: "panics"}, {Name: "fails"}, {Name: "mutates"},
	}}, attrs)
	d.Wait()

	if n != 3 {
		t.Errorf("launched = %d, want 3", n)
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v, want fails and mutates", ran)
	}
	if attrs["username"] != "alice" {
		t.Error("operations must receive their own attribute copy")
	}
}
