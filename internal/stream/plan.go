package stream

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"tideline/api/internal/store"
)

// Viewer is the authenticated identity a request runs as.
type Viewer struct {
	ID       uuid.UUID
	Username string
	Level    store.AccessLevel
}

func (v Viewer) IsModerator() bool {
	return v.Level >= store.LevelModerator
}

// Limits carries the configured pagination bounds into the planner,
// replacing the original's globally reachable settings.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
}

// Plan is a fully planned stream read: the repository query, the
// post-filter directives for the materialized page, and the order the page
// must be displayed in.
type Plan struct {
	Query store.StreamQuery

	// ApplyMutes is false when the request is scoped by author identity,
	// reply group, or the viewer's own interactions: the viewer explicitly
	// asked for that content.
	ApplyMutes bool

	// Exact-token re-checks for over-inclusive repository substring matches.
	HashtagToken string // without '#'
	MentionToken string // without '@'

	SearchDescending  bool
	DisplayDescending bool
}

type Planner struct {
	limits Limits
}

func NewPlanner(limits Limits) *Planner {
	return &Planner{limits: limits}
}

// BuildPlan turns the request's query parameters into a Plan. authorScope
// is the resolved byUser/byUsername filter, nil when absent; resolving the
// username to an id is the caller's job.
func (p *Planner) BuildPlan(values url.Values, viewer Viewer, snapshot store.VisibilitySnapshot, authorScope *uuid.UUID) (Plan, error) {
	anchor, err := ResolveAnchor(values)
	if err != nil {
		return Plan{}, err
	}
	page := ResolvePage(values, p.limits.DefaultLimit, p.limits.MaxLimit)

	plan := Plan{
		SearchDescending:  anchor.SearchDescending,
		DisplayDescending: true,
	}
	plan.Query = store.StreamQuery{
		ExcludeAuthorIDs: sortedIDs(snapshot.BlockedAuthorIDs),
		SortByDate:       anchor.Kind == AnchorDate,
		Descending:       anchor.SearchDescending,
		Start:            page.Start,
		Limit:            page.Limit,
	}

	switch anchor.Kind {
	case AnchorID:
		plan.Query.AnchorField = store.AnchorFieldID
		plan.Query.AnchorID = anchor.ID
		plan.Query.AnchorAfter = anchor.Direction == Newer
	case AnchorDate:
		plan.Query.AnchorField = store.AnchorFieldDate
		plan.Query.AnchorDate = anchor.Date
		plan.Query.AnchorAfter = anchor.Direction == Newer
	}

	if search := param(values, "search"); search != "" {
		plan.Query.TextContains = escapeLike(search)
	}

	if hashtag := param(values, "hashtag"); hashtag != "" {
		tag := strings.ToLower(strings.TrimPrefix(hashtag, "#"))
		plan.Query.HashtagContains = "#" + escapeLike(tag)
		plan.HashtagToken = tag
	}

	// Mention filters are alternatives, not combinable; exact-username
	// wins over self-mention when both are supplied.
	if mention := param(values, "mentions"); mention != "" {
		name := strings.ToLower(strings.TrimPrefix(mention, "@"))
		plan.Query.MentionContains = "@" + escapeLike(name)
		plan.MentionToken = name
	} else if boolParam(values, "mentionSelf") {
		name := strings.ToLower(viewer.Username)
		plan.Query.MentionContains = "@" + escapeLike(name)
		plan.MentionToken = name
	}

	viewerScoped := false

	if reacted := param(values, "reacted"); reacted != "" {
		viewerID := viewer.ID
		plan.Query.ReactedBy = &viewerID
		if !strings.EqualFold(reacted, "true") {
			reaction, err := store.ParseReactionType(reacted)
			if err != nil {
				return Plan{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
			plan.Query.ReactionType = &reaction
		}
		viewerScoped = true
	}
	if boolParam(values, "bookmarked") {
		viewerID := viewer.ID
		plan.Query.BookmarkedBy = &viewerID
		viewerScoped = true
	}

	if authorScope != nil {
		plan.Query.AuthorID = authorScope
	}

	replyGroupScoped := false
	if raw := param(values, "replyGroup"); raw != "" {
		groupID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Plan{}, fmt.Errorf("%w: replyGroup %q is not an integer", ErrBadRequest, raw)
		}
		plan.Query.ReplyGroupID = &groupID
		replyGroupScoped = true
		// a thread reads top to bottom
		plan.DisplayDescending = false
	} else if boolParam(values, "hideReplies") {
		plan.Query.HideReplies = true
	}

	plan.ApplyMutes = authorScope == nil && !replyGroupScoped && !viewerScoped
	return plan, nil
}

func boolParam(values url.Values, name string) bool {
	raw := param(values, name)
	if raw == "" {
		return false
	}
	parsed, err := strconv.ParseBool(strings.ToLower(raw))
	return err == nil && parsed
}

// escapeLike escapes ILIKE wildcards so user input always matches
// literally.
func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	if len(set) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
