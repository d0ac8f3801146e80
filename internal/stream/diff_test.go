package stream

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tideline/api/internal/store"
)

func TestComputeDiffUnchangedTextIsEmpty(t *testing.T) {
	text := "hey @sam, #joco tonight"
	diff := ComputeDiff(text, text, []string{"joco"})
	if len(diff.MentionsAdded) != 0 || len(diff.MentionsRemoved) != 0 ||
		len(diff.AlertWordsAdded) != 0 || len(diff.AlertWordsRemoved) != 0 ||
		len(diff.Hashtags) != 0 {
		t.Errorf("diff of identical text should be empty, got %+v", diff)
	}
}

func TestComputeDiffCreation(t *testing.T) {
	diff := ComputeDiff("", "welcome aboard @sam and @frodo #sailaway", []string{"aboard"})
	if got := sorted(diff.MentionsAdded); !reflect.DeepEqual(got, []string{"frodo", "sam"}) {
		t.Errorf("MentionsAdded = %v, want [frodo sam]", got)
	}
	if len(diff.MentionsRemoved) != 0 {
		t.Errorf("MentionsRemoved = %v, want empty", sorted(diff.MentionsRemoved))
	}
	if got := sorted(diff.AlertWordsAdded); !reflect.DeepEqual(got, []string{"aboard"}) {
		t.Errorf("AlertWordsAdded = %v, want [aboard]", got)
	}
	if got := sorted(diff.Hashtags); !reflect.DeepEqual(got, []string{"sailaway"}) {
		t.Errorf("Hashtags = %v, want [sailaway]", got)
	}
}

func TestComputeDiffEdit(t *testing.T) {
	diff := ComputeDiff("hi @sam about karaoke", "hi @frodo about trivia", []string{"karaoke", "trivia"})
	if got := sorted(diff.MentionsAdded); !reflect.DeepEqual(got, []string{"frodo"}) {
		t.Errorf("MentionsAdded = %v, want [frodo]", got)
	}
	if got := sorted(diff.MentionsRemoved); !reflect.DeepEqual(got, []string{"sam"}) {
		t.Errorf("MentionsRemoved = %v, want [sam]", got)
	}
	if got := sorted(diff.AlertWordsAdded); !reflect.DeepEqual(got, []string{"trivia"}) {
		t.Errorf("AlertWordsAdded = %v, want [trivia]", got)
	}
	if got := sorted(diff.AlertWordsRemoved); !reflect.DeepEqual(got, []string{"karaoke"}) {
		t.Errorf("AlertWordsRemoved = %v, want [karaoke]", got)
	}
}

func TestComputeDiffDeletionMirrorsCreation(t *testing.T) {
	text := "bye @sam #joco karaoke"
	created := ComputeDiff("", text, []string{"karaoke"})
	deleted := ComputeDiff(text, "", []string{"karaoke"})

	if !reflect.DeepEqual(sorted(created.MentionsAdded), sorted(deleted.MentionsRemoved)) {
		t.Error("deletion should remove exactly the mentions creation added")
	}
	if !reflect.DeepEqual(sorted(created.AlertWordsAdded), sorted(deleted.AlertWordsRemoved)) {
		t.Error("deletion should remove exactly the alert words creation added")
	}
	if len(deleted.Hashtags) != 0 {
		t.Errorf("deletion has no new text, Hashtags = %v", sorted(deleted.Hashtags))
	}
}

func TestComputeDiffCaseInsensitiveMentions(t *testing.T) {
	// @Sam and @sam are the same mention; an edit changing only case is a
	// no-op for counters.
	diff := ComputeDiff("hi @Sam", "hi @sam", nil)
	if len(diff.MentionsAdded) != 0 || len(diff.MentionsRemoved) != 0 {
		t.Errorf("case-only change should not diff, got added %v removed %v",
			sorted(diff.MentionsAdded), sorted(diff.MentionsRemoved))
	}
}

// fakeResolver maps lowercase usernames to users.
type fakeResolver struct {
	users map[string]store.User
}

func (f *fakeResolver) UsersByUsernames(_ context.Context, usernames []string) ([]store.User, error) {
	var out []store.User
	for _, name := range usernames {
		if user, ok := f.users[name]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	words       []string
	registrants map[string][]store.User
}

func (f *fakeRegistry) AlertWords(context.Context) ([]string, error) {
	return f.words, nil
}

func (f *fakeRegistry) UsersAlertingOn(_ context.Context, word string) ([]store.User, error) {
	return f.registrants[word], nil
}

// fakeNotifier records every adjustment and notification; safe for the
// engine's concurrent fan-out.
type fakeNotifier struct {
	mu            sync.Mutex
	mentionDeltas map[uuid.UUID]int
	alertDeltas   map[uuid.UUID]int
	notifications []Notification
	hashtags      []string

	failMentions bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		mentionDeltas: make(map[uuid.UUID]int),
		alertDeltas:   make(map[uuid.UUID]int),
	}
}

func (f *fakeNotifier) AdjustMentionCount(_ context.Context, userID uuid.UUID, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMentions {
		return errors.New("counter store down")
	}
	f.mentionDeltas[userID] += delta
	return nil
}

func (f *fakeNotifier) AdjustAlertCount(_ context.Context, userID uuid.UUID, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertDeltas[userID] += delta
	return nil
}

func (f *fakeNotifier) PushNotification(_ context.Context, notification Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, notification)
	return nil
}

func (f *fakeNotifier) RegisterHashtags(_ context.Context, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashtags = append(f.hashtags, tags...)
	return nil
}

func (f *fakeNotifier) notificationsOfType(kind string) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for _, n := range f.notifications {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func testUser(name string, level store.AccessLevel) store.User {
	return store.User{ID: uuid.New(), Username: name, Level: level}
}

func TestDiffEngineCreateFansOut(t *testing.T) {
	author := testUser("author", store.LevelVerified)
	sam := testUser("sam", store.LevelVerified)
	watcher := testUser("watcher", store.LevelVerified)

	resolver := &fakeResolver{users: map[string]store.User{"sam": sam}}
	registry := &fakeRegistry{
		words:       []string{"karaoke"},
		registrants: map[string][]store.User{"karaoke": {watcher}},
	}
	notifier := newFakeNotifier()
	engine := NewDiffEngine(resolver, registry, notifier, store.LevelVerified, zap.NewNop())

	err := engine.Apply(context.Background(), author, 42, "", "hey @sam, karaoke at the #lounge")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if notifier.mentionDeltas[sam.ID] != 1 {
		t.Errorf("mention delta for sam = %d, want 1", notifier.mentionDeltas[sam.ID])
	}
	if notifier.alertDeltas[watcher.ID] != 1 {
		t.Errorf("alert delta for watcher = %d, want 1", notifier.alertDeltas[watcher.ID])
	}

	mentions := notifier.notificationsOfType("mention")
	if len(mentions) != 1 || mentions[0].UserID != sam.ID || mentions[0].PostID != 42 {
		t.Errorf("mention notifications = %+v, want one for sam on post 42", mentions)
	}
	alerts := notifier.notificationsOfType("alertword")
	if len(alerts) != 1 || alerts[0].Word != "karaoke" {
		t.Errorf("alert notifications = %+v, want one for karaoke", alerts)
	}

	if !reflect.DeepEqual(notifier.hashtags, []string{"lounge"}) {
		t.Errorf("registered hashtags = %v, want [lounge]", notifier.hashtags)
	}
}

func TestDiffEngineSkipsSelfMention(t *testing.T) {
	author := testUser("author", store.LevelVerified)
	resolver := &fakeResolver{users: map[string]store.User{"author": author}}
	notifier := newFakeNotifier()
	engine := NewDiffEngine(resolver, &fakeRegistry{}, notifier, store.LevelVerified, zap.NewNop())

	if err := engine.Apply(context.Background(), author, 1, "", "note to @author"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if notifier.mentionDeltas[author.ID] != 0 {
		t.Error("self-mentions must not adjust the author's counter")
	}
	if len(notifier.notifications) != 0 {
		t.Errorf("self-mentions must not notify, got %+v", notifier.notifications)
	}
}

func TestDiffEngineDropsUnknownMentions(t *testing.T) {
	author := testUser("author", store.LevelVerified)
	notifier := newFakeNotifier()
	engine := NewDiffEngine(&fakeResolver{}, &fakeRegistry{}, notifier, store.LevelVerified, zap.NewNop())

	if err := engine.Apply(context.Background(), author, 1, "", "ping @nobodyhome"); err != nil {
		t.Fatalf("unknown mentions should not fail the write: %v", err)
	}
	if len(notifier.notifications) != 0 {
		t.Errorf("unknown mentions must not notify, got %+v", notifier.notifications)
	}
}

func TestDiffEngineEditUnwindsRemovedMention(t *testing.T) {
	author := testUser("author", store.LevelVerified)
	sam := testUser("sam", store.LevelVerified)
	frodo := testUser("frodo", store.LevelVerified)
	resolver := &fakeResolver{users: map[string]store.User{"sam": sam, "frodo": frodo}}
	notifier := newFakeNotifier()
	engine := NewDiffEngine(resolver, &fakeRegistry{}, notifier, store.LevelVerified, zap.NewNop())

	if err := engine.Apply(context.Background(), author, 7, "hi @sam", "hi @frodo"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if notifier.mentionDeltas[sam.ID] != -1 {
		t.Errorf("sam's delta = %d, want -1", notifier.mentionDeltas[sam.ID])
	}
	if notifier.mentionDeltas[frodo.ID] != 1 {
		t.Errorf("frodo's delta = %d, want 1", notifier.mentionDeltas[frodo.ID])
	}
	// Only the addition notifies; removals silently decrement.
	mentions := notifier.notificationsOfType("mention")
	if len(mentions) != 1 || mentions[0].UserID != frodo.ID {
		t.Errorf("mention notifications = %+v, want one for frodo", mentions)
	}
}

func TestDiffEngineAlertFloorSuppressesLowLevels(t *testing.T) {
	author := testUser("author", store.LevelVerified)
	verified := testUser("verified", store.LevelVerified)
	unverified := testUser("unverified", store.LevelUnverified)

	registry := &fakeRegistry{
		words:       []string{"karaoke"},
		registrants: map[string][]store.User{"karaoke": {verified, unverified}},
	}
	notifier := newFakeNotifier()
	engine := NewDiffEngine(&fakeResolver{}, registry, notifier, store.LevelVerified, zap.NewNop())

	if err := engine.Apply(context.Background(), author, 1, "", "karaoke time"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if notifier.alertDeltas[verified.ID] != 1 {
		t.Errorf("verified delta = %d, want 1", notifier.alertDeltas[verified.ID])
	}
	if notifier.alertDeltas[unverified.ID] != 0 {
		t.Errorf("unverified delta = %d, want 0", notifier.alertDeltas[unverified.ID])
	}
}

func TestDiffEngineAlertRemovalDecrementsWithoutNotifying(t *testing.T) {
	author := testUser("author", store.LevelVerified)
	watcher := testUser("watcher", store.LevelVerified)
	registry := &fakeRegistry{
		words:       []string{"karaoke"},
		registrants: map[string][]store.User{"karaoke": {watcher}},
	}
	notifier := newFakeNotifier()
	engine := NewDiffEngine(&fakeResolver{}, registry, notifier, store.LevelVerified, zap.NewNop())

	if err := engine.Apply(context.Background(), author, 1, "karaoke time", "bingo time"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if notifier.alertDeltas[watcher.ID] != -1 {
		t.Errorf("watcher delta = %d, want -1", notifier.alertDeltas[watcher.ID])
	}
	if len(notifier.notificationsOfType("alertword")) != 0 {
		t.Error("alert-word removal must not notify")
	}
}

func TestDiffEngineAuthorNeverAlertsThemself(t *testing.T) {
	author := testUser("author", store.LevelAdmin)
	registry := &fakeRegistry{
		words:       []string{"karaoke"},
		registrants: map[string][]store.User{"karaoke": {author}},
	}
	notifier := newFakeNotifier()
	engine := NewDiffEngine(&fakeResolver{}, registry, notifier, store.LevelVerified, zap.NewNop())

	if err := engine.Apply(context.Background(), author, 1, "", "karaoke time"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if notifier.alertDeltas[author.ID] != 0 {
		t.Error("the author must not receive alerts for their own text")
	}
}

func TestDiffEngineFanOutFailurePropagates(t *testing.T) {
	author := testUser("author", store.LevelVerified)
	sam := testUser("sam", store.LevelVerified)
	resolver := &fakeResolver{users: map[string]store.User{"sam": sam}}
	notifier := newFakeNotifier()
	notifier.failMentions = true
	engine := NewDiffEngine(resolver, &fakeRegistry{}, notifier, store.LevelVerified, zap.NewNop())

	err := engine.Apply(context.Background(), author, 1, "", "hi @sam")
	if err == nil {
		t.Fatal("a fan-out failure must propagate to the caller")
	}
}
