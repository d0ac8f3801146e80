package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tideline/api/internal/store"
	"tideline/api/internal/util"
)

// DiffResult is the transient outcome of one create/edit/delete diff. It is
// never persisted; only its effects (counter adjustments, notifications,
// hashtag registrations) are.
type DiffResult struct {
	MentionsAdded     map[string]struct{}
	MentionsRemoved   map[string]struct{}
	AlertWordsAdded   map[string]struct{}
	AlertWordsRemoved map[string]struct{}
	Hashtags          map[string]struct{}
}

func emptyDiff() DiffResult {
	return DiffResult{
		MentionsAdded:     map[string]struct{}{},
		MentionsRemoved:   map[string]struct{}{},
		AlertWordsAdded:   map[string]struct{}{},
		AlertWordsRemoved: map[string]struct{}{},
		Hashtags:          map[string]struct{}{},
	}
}

// ComputeDiff tokenizes both texts and derives the added/removed mention
// and alert-word sets, plus the hashtags present in the new text. Creation
// passes previousText == ""; deletion passes newText == "".
func ComputeDiff(previousText, newText string, alertWords []string) DiffResult {
	if previousText == newText {
		return emptyDiff()
	}

	oldMentions := Mentions(previousText)
	newMentions := Mentions(newText)

	oldWords := TokenSet(previousText)
	newWords := TokenSet(newText)
	oldHits := make(map[string]struct{})
	newHits := make(map[string]struct{})
	for _, word := range alertWords {
		word = strings.ToLower(word)
		if _, ok := oldWords[word]; ok {
			oldHits[word] = struct{}{}
		}
		if _, ok := newWords[word]; ok {
			newHits[word] = struct{}{}
		}
	}

	return DiffResult{
		MentionsAdded:     setDiff(newMentions, oldMentions),
		MentionsRemoved:   setDiff(oldMentions, newMentions),
		AlertWordsAdded:   setDiff(newHits, oldHits),
		AlertWordsRemoved: setDiff(oldHits, newHits),
		Hashtags:          Hashtags(newText),
	}
}

// Notification is the payload enqueued for an affected user.
type Notification struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"` // "mention" or "alertword"
	UserID     uuid.UUID `json:"userId"`
	AuthorID   uuid.UUID `json:"authorId"`
	AuthorName string    `json:"authorName"`
	PostID     int64     `json:"postId"`
	Word       string    `json:"word,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MentionResolver is the username index; unknown names produce no user and
// are dropped silently.
type MentionResolver interface {
	UsersByUsernames(ctx context.Context, usernames []string) ([]store.User, error)
}

// AlertRegistry is the global alert-word registry, mutable independently by
// any user.
type AlertRegistry interface {
	AlertWords(ctx context.Context) ([]string, error)
	UsersAlertingOn(ctx context.Context, word string) ([]store.User, error)
}

// Notifier owns the cross-request counters and the notification queue,
// exposed as plain get/increment primitives.
type Notifier interface {
	AdjustMentionCount(ctx context.Context, userID uuid.UUID, delta int) error
	AdjustAlertCount(ctx context.Context, userID uuid.UUID, delta int) error
	PushNotification(ctx context.Context, notification Notification) error
	RegisterHashtags(ctx context.Context, tags []string) error
}

// DiffEngine applies the effects of a text transition: mention counters,
// alert-word counters, notifications, and hashtag registration. All fan-out
// tasks for one diff run concurrently and are joined before the write
// returns; the first failure propagates, but the content mutation itself is
// never rolled back, so counters can transiently drift on partial failure.
type DiffEngine struct {
	users      MentionResolver
	registry   AlertRegistry
	notifier   Notifier
	alertFloor store.AccessLevel
	log        *zap.Logger
}

func NewDiffEngine(users MentionResolver, registry AlertRegistry, notifier Notifier, alertFloor store.AccessLevel, log *zap.Logger) *DiffEngine {
	return &DiffEngine{
		users:      users,
		registry:   registry,
		notifier:   notifier,
		alertFloor: alertFloor,
		log:        log,
	}
}

// Apply computes the diff for one mutation and fans out its effects.
func (e *DiffEngine) Apply(ctx context.Context, author store.User, postID int64, previousText, newText string) error {
	alertWords, err := e.registry.AlertWords(ctx)
	if err != nil {
		return fmt.Errorf("load alert words: %w", err)
	}

	diff := ComputeDiff(previousText, newText, alertWords)

	addedTargets, err := e.resolveMentions(ctx, diff.MentionsAdded, author.ID)
	if err != nil {
		return err
	}
	removedTargets, err := e.resolveMentions(ctx, diff.MentionsRemoved, author.ID)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	if len(diff.Hashtags) > 0 {
		tags := sortedKeys(diff.Hashtags)
		group.Go(func() error {
			return e.notifier.RegisterHashtags(ctx, tags)
		})
	}

	for _, target := range addedTargets {
		target := target
		group.Go(func() error {
			if err := e.notifier.AdjustMentionCount(ctx, target.ID, 1); err != nil {
				return fmt.Errorf("increment mentions for %s: %w", target.Username, err)
			}
			return e.notifier.PushNotification(ctx, Notification{
				ID:         util.NewID("ntf"),
				Type:       "mention",
				UserID:     target.ID,
				AuthorID:   author.ID,
				AuthorName: author.Username,
				PostID:     postID,
				CreatedAt:  time.Now().UTC(),
			})
		})
	}
	for _, target := range removedTargets {
		target := target
		group.Go(func() error {
			if err := e.notifier.AdjustMentionCount(ctx, target.ID, -1); err != nil {
				return fmt.Errorf("decrement mentions for %s: %w", target.Username, err)
			}
			return nil
		})
	}

	for word := range diff.AlertWordsAdded {
		word := word
		group.Go(func() error {
			return e.fanOutAlertWord(ctx, author, postID, word, 1)
		})
	}
	for word := range diff.AlertWordsRemoved {
		word := word
		group.Go(func() error {
			return e.fanOutAlertWord(ctx, author, postID, word, -1)
		})
	}

	return group.Wait()
}

// resolveMentions maps mention tokens to user identities. Tokens that
// resolve to no user are expected (incidental @word usage) and dropped;
// self-mentions never notify.
func (e *DiffEngine) resolveMentions(ctx context.Context, mentions map[string]struct{}, authorID uuid.UUID) ([]store.User, error) {
	if len(mentions) == 0 {
		return nil, nil
	}
	users, err := e.users.UsersByUsernames(ctx, sortedKeys(mentions))
	if err != nil {
		return nil, fmt.Errorf("resolve mentions: %w", err)
	}
	targets := users[:0]
	for _, user := range users {
		if user.ID != authorID {
			targets = append(targets, user)
		}
	}
	return targets, nil
}

// fanOutAlertWord recomputes the word's current registrants and adjusts
// each one's alert counter. Recipients below the configured access floor
// are suppressed.
func (e *DiffEngine) fanOutAlertWord(ctx context.Context, author store.User, postID int64, word string, delta int) error {
	registrants, err := e.registry.UsersAlertingOn(ctx, word)
	if err != nil {
		return fmt.Errorf("alert word %q registrants: %w", word, err)
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, registrant := range registrants {
		if registrant.ID == author.ID || registrant.Level < e.alertFloor {
			continue
		}
		registrant := registrant
		group.Go(func() error {
			if err := e.notifier.AdjustAlertCount(ctx, registrant.ID, delta); err != nil {
				return fmt.Errorf("adjust alert count for %s: %w", registrant.Username, err)
			}
			if delta <= 0 {
				return nil
			}
			return e.notifier.PushNotification(ctx, Notification{
				ID:         util.NewID("ntf"),
				Type:       "alertword",
				UserID:     registrant.ID,
				AuthorID:   author.ID,
				AuthorName: author.Username,
				PostID:     postID,
				Word:       word,
				CreatedAt:  time.Now().UTC(),
			})
		})
	}
	return group.Wait()
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
