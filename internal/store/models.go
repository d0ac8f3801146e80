package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccessLevel is the ordered account verification ladder. Alert-word
// notifications are suppressed below the configured floor.
type AccessLevel int

const (
	LevelBanned AccessLevel = iota
	LevelQuarantined
	LevelUnverified
	LevelVerified
	LevelModerator
	LevelAdmin
)

var accessLevelNames = map[AccessLevel]string{
	LevelBanned:      "banned",
	LevelQuarantined: "quarantined",
	LevelUnverified:  "unverified",
	LevelVerified:    "verified",
	LevelModerator:   "moderator",
	LevelAdmin:       "admin",
}

func (l AccessLevel) String() string {
	if name, ok := accessLevelNames[l]; ok {
		return name
	}
	return "unverified"
}

func ParseAccessLevel(value string) (AccessLevel, error) {
	for level, name := range accessLevelNames {
		if name == strings.ToLower(strings.TrimSpace(value)) {
			return level, nil
		}
	}
	return LevelUnverified, fmt.Errorf("unknown access level %q", value)
}

// ReactionType is the closed set of stream reactions, parsed once at the
// boundary instead of string-compared at each call site.
type ReactionType int

const (
	ReactionLaugh ReactionType = iota + 1
	ReactionLike
	ReactionLove
)

var reactionNames = map[ReactionType]string{
	ReactionLaugh: "laugh",
	ReactionLike:  "like",
	ReactionLove:  "love",
}

func (r ReactionType) String() string {
	return reactionNames[r]
}

func ParseReactionType(value string) (ReactionType, error) {
	for typ, name := range reactionNames {
		if name == strings.ToLower(strings.TrimSpace(value)) {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("unknown reaction type %q", value)
}

type User struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
	Level       AccessLevel
	CreatedAt   time.Time
}

type StreamPost struct {
	ID           int64
	AuthorID     uuid.UUID
	Text         string
	CreatedAt    time.Time
	ReplyGroupID sql.NullInt64
	Quarantined  bool
	Deleted      bool
}

// ReplyGroup returns the post's flattened reply-group id. The head of a
// group may predate its reply_group_id assignment, so its own id counts.
func (p StreamPost) ReplyGroup() int64 {
	if p.ReplyGroupID.Valid {
		return p.ReplyGroupID.Int64
	}
	return p.ID
}

type ReactionSummary struct {
	Laugh int `json:"laugh"`
	Like  int `json:"like"`
	Love  int `json:"love"`
}

// VisibilitySnapshot is the per-viewer, per-request view of blocks and
// mutes. Blocked authors are excluded from query results and counts; muted
// authors and keywords are removed only from materialized pages.
type VisibilitySnapshot struct {
	BlockedAuthorIDs map[uuid.UUID]struct{}
	MutedAuthorIDs   map[uuid.UUID]struct{}
	MutedKeywords    []string
}

func (s VisibilitySnapshot) Blocked(authorID uuid.UUID) bool {
	_, ok := s.BlockedAuthorIDs[authorID]
	return ok
}

func (s VisibilitySnapshot) Muted(authorID uuid.UUID) bool {
	_, ok := s.MutedAuthorIDs[authorID]
	return ok
}

type Report struct {
	ID         int64
	PostID     int64
	ReporterID uuid.UUID
	Message    string
	CreatedAt  time.Time
}

type AnchorField int

const (
	AnchorFieldNone AnchorField = iota
	AnchorFieldID
	AnchorFieldDate
)

// StreamQuery is the repository-level query the planner assembles: block
// exclusions, anchor range, optional content predicates, sort and range.
// Mute filtering is deliberately absent; it runs on the materialized page.
type StreamQuery struct {
	ExcludeAuthorIDs []uuid.UUID

	AnchorField AnchorField
	AnchorAfter bool // field > value when true, field < value when false
	AnchorID    int64
	AnchorDate  time.Time

	// Escaped ILIKE pattern body (without surrounding %), empty = no filter.
	TextContains    string
	HashtagContains string // includes leading #
	MentionContains string // includes leading @

	AuthorID     *uuid.UUID
	ReplyGroupID *int64
	HideReplies  bool

	ReactedBy    *uuid.UUID
	ReactionType *ReactionType
	BookmarkedBy *uuid.UUID

	SortByDate bool
	Descending bool
	Start      int
	Limit      int
}
