package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tideline/api/internal/search"
	"tideline/api/internal/store"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// QuarantinePlaceholder replaces quarantined text for non-author,
// non-moderator viewers. A read-time transform; stored text is untouched.
const QuarantinePlaceholder = "This content is under moderator review."

// ContentRepo is the abstract content repository the read and write
// pipelines run against.
type ContentRepo interface {
	ListStream(ctx context.Context, q store.StreamQuery) ([]store.StreamPost, error)
	CountStream(ctx context.Context, q store.StreamQuery) (int, error)
	GetPost(ctx context.Context, postID int64) (store.StreamPost, error)
	CreatePost(ctx context.Context, authorID uuid.UUID, text string) (store.StreamPost, error)
	CreateReply(ctx context.Context, authorID uuid.UUID, text string, parentID int64) (store.StreamPost, error)
	UpdatePostText(ctx context.Context, postID int64, newText string) error
	SoftDeletePost(ctx context.Context, postID int64) error
	SetReaction(ctx context.Context, postID int64, userID uuid.UUID, reaction store.ReactionType) error
	RemoveReaction(ctx context.Context, postID int64, userID uuid.UUID) error
	ReactionSummaries(ctx context.Context, postIDs []int64) (map[int64]store.ReactionSummary, error)
	AddBookmark(ctx context.Context, postID int64, userID uuid.UUID) error
	RemoveBookmark(ctx context.Context, postID int64, userID uuid.UUID) error
	BookmarkFlags(ctx context.Context, userID uuid.UUID, postIDs []int64) (map[int64]bool, error)
	InsertReport(ctx context.Context, report store.Report) error
	GetUserByID(ctx context.Context, userID uuid.UUID) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	UsersByIDs(ctx context.Context, userIDs []uuid.UUID) ([]store.User, error)
	VisibilitySnapshot(ctx context.Context, viewerID uuid.UUID) (store.VisibilitySnapshot, error)
}

// SearchIndex receives post text for the full-text search facade.
// Implementations index fire-and-forget; nil disables indexing.
type SearchIndex interface {
	IndexPost(record search.PostRecord)
	RemovePost(postID int64)
}

type AuthorHeader struct {
	UserID      uuid.UUID `json:"userID"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
}

type PostView struct {
	ID           int64                 `json:"postID"`
	Author       AuthorHeader          `json:"author"`
	Text         string                `json:"text"`
	CreatedAt    time.Time             `json:"createdAt"`
	ReplyGroupID *int64                `json:"replyGroupID,omitempty"`
	Reactions    store.ReactionSummary `json:"reactions"`
	Bookmarked   bool                  `json:"bookmarked"`
	Quarantined  bool                  `json:"quarantined"`
}

type StreamPage struct {
	Posts      []PostView `json:"posts"`
	Start      int        `json:"start"`
	Limit      int        `json:"limit"`
	TotalCount int        `json:"totalCount"`
}

// Service is the content-stream core: the read pipeline (anchor → plan →
// repository → post-filter → order) and the write pipeline (mutation →
// diff engine fan-out).
type Service struct {
	repo    ContentRepo
	planner *Planner
	diff    *DiffEngine
	index   SearchIndex
	log     *zap.Logger
}

func NewService(repo ContentRepo, planner *Planner, diff *DiffEngine, index SearchIndex, log *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		planner: planner,
		diff:    diff,
		index:   index,
		log:     log,
	}
}

// List runs the read pipeline for one stream-retrieval request.
func (s *Service) List(ctx context.Context, viewer Viewer, values url.Values) (StreamPage, error) {
	snapshot, err := s.repo.VisibilitySnapshot(ctx, viewer.ID)
	if err != nil {
		return StreamPage{}, fmt.Errorf("visibility snapshot: %w", err)
	}

	authorScope, err := s.resolveAuthorScope(ctx, values)
	if err != nil {
		return StreamPage{}, err
	}

	plan, err := s.planner.BuildPlan(values, viewer, snapshot, authorScope)
	if err != nil {
		return StreamPage{}, err
	}

	posts, err := s.repo.ListStream(ctx, plan.Query)
	if err != nil {
		return StreamPage{}, err
	}
	// totalCount uses the block-filtered baseline so read-progress offsets
	// survive mute-list changes
	totalCount, err := s.repo.CountStream(ctx, plan.Query)
	if err != nil {
		return StreamPage{}, err
	}

	posts = ApplyPostFilters(posts, plan, snapshot)
	posts = NormalizeOrder(posts, plan.SearchDescending, plan.DisplayDescending)

	views, err := s.assembleViews(ctx, viewer, posts)
	if err != nil {
		return StreamPage{}, err
	}
	return StreamPage{
		Posts:      views,
		Start:      plan.Query.Start,
		Limit:      plan.Query.Limit,
		TotalCount: totalCount,
	}, nil
}

// resolveAuthorScope handles byUser / byUsername. Either disables mute
// filtering downstream; byUser wins when both are supplied.
func (s *Service) resolveAuthorScope(ctx context.Context, values url.Values) (*uuid.UUID, error) {
	if raw := param(values, "byUser"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: byUser %q is not a user id", ErrBadRequest, raw)
		}
		if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
			if store.NotFound(err) {
				return nil, fmt.Errorf("%w: user %s", ErrNotFound, raw)
			}
			return nil, err
		}
		return &userID, nil
	}
	if raw := param(values, "byUsername"); raw != "" {
		user, err := s.repo.GetUserByUsername(ctx, strings.TrimPrefix(raw, "@"))
		if err != nil {
			if store.NotFound(err) {
				return nil, fmt.Errorf("%w: user %q", ErrNotFound, raw)
			}
			return nil, err
		}
		return &user.ID, nil
	}
	return nil, nil
}

// Get returns one post. Content from a blocked author is indistinguishable
// from absent content.
func (s *Service) Get(ctx context.Context, viewer Viewer, postID int64) (PostView, error) {
	snapshot, err := s.repo.VisibilitySnapshot(ctx, viewer.ID)
	if err != nil {
		return PostView{}, fmt.Errorf("visibility snapshot: %w", err)
	}
	post, err := s.getVisiblePost(ctx, snapshot, postID)
	if err != nil {
		return PostView{}, err
	}
	return s.assembleView(ctx, viewer, post)
}

func (s *Service) getVisiblePost(ctx context.Context, snapshot store.VisibilitySnapshot, postID int64) (store.StreamPost, error) {
	post, err := s.repo.GetPost(ctx, postID)
	if err != nil {
		if store.NotFound(err) {
			return store.StreamPost{}, fmt.Errorf("%w: post %d", ErrNotFound, postID)
		}
		return store.StreamPost{}, err
	}
	if snapshot.Blocked(post.AuthorID) {
		return store.StreamPost{}, fmt.Errorf("%w: post %d", ErrNotFound, postID)
	}
	return post, nil
}

// Create persists a new post and runs the diff engine against empty
// previous text.
func (s *Service) Create(ctx context.Context, viewer Viewer, text string) (PostView, error) {
	if strings.TrimSpace(text) == "" {
		return PostView{}, fmt.Errorf("%w: text is required", ErrBadRequest)
	}
	post, err := s.repo.CreatePost(ctx, viewer.ID, text)
	if err != nil {
		return PostView{}, err
	}
	if err := s.applyDiff(ctx, viewerUser(viewer), post.ID, "", text); err != nil {
		return PostView{}, err
	}
	s.indexPost(ctx, post, viewer.Username)
	return s.assembleView(ctx, viewer, post)
}

// Reply persists a reply, flattening it into the parent's reply group, and
// runs the same creation diff.
func (s *Service) Reply(ctx context.Context, viewer Viewer, parentID int64, text string) (PostView, error) {
	if strings.TrimSpace(text) == "" {
		return PostView{}, fmt.Errorf("%w: text is required", ErrBadRequest)
	}
	snapshot, err := s.repo.VisibilitySnapshot(ctx, viewer.ID)
	if err != nil {
		return PostView{}, fmt.Errorf("visibility snapshot: %w", err)
	}
	if _, err := s.getVisiblePost(ctx, snapshot, parentID); err != nil {
		return PostView{}, err
	}
	post, err := s.repo.CreateReply(ctx, viewer.ID, text, parentID)
	if err != nil {
		if store.NotFound(err) {
			return PostView{}, fmt.Errorf("%w: post %d", ErrNotFound, parentID)
		}
		return PostView{}, err
	}
	if err := s.applyDiff(ctx, viewerUser(viewer), post.ID, "", text); err != nil {
		return PostView{}, err
	}
	s.indexPost(ctx, post, viewer.Username)
	return s.assembleView(ctx, viewer, post)
}

// Update edits a post's text, archiving the prior text and diffing old
// against new. There is no optimistic-concurrency check: two concurrent
// edits of the same post race and can leave mention/alert counters off
// until a future recompute (preserved behavior of the original design).
func (s *Service) Update(ctx context.Context, viewer Viewer, postID int64, text string) (PostView, error) {
	if strings.TrimSpace(text) == "" {
		return PostView{}, fmt.Errorf("%w: text is required", ErrBadRequest)
	}
	post, err := s.ownedPost(ctx, viewer, postID)
	if err != nil {
		return PostView{}, err
	}
	author, err := s.postAuthor(ctx, viewer, post)
	if err != nil {
		return PostView{}, err
	}
	previous := post.Text
	if err := s.repo.UpdatePostText(ctx, postID, text); err != nil {
		if store.NotFound(err) {
			return PostView{}, fmt.Errorf("%w: post %d", ErrNotFound, postID)
		}
		return PostView{}, err
	}
	post.Text = text
	if err := s.applyDiff(ctx, author, postID, previous, text); err != nil {
		return PostView{}, err
	}
	s.indexPost(ctx, post, viewer.Username)
	return s.assembleView(ctx, viewer, post)
}

// Delete soft-deletes a post and runs the diff engine with empty new text,
// unwinding mention and alert counters.
func (s *Service) Delete(ctx context.Context, viewer Viewer, postID int64) error {
	post, err := s.ownedPost(ctx, viewer, postID)
	if err != nil {
		return err
	}
	author, err := s.postAuthor(ctx, viewer, post)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDeletePost(ctx, postID); err != nil {
		if store.NotFound(err) {
			return fmt.Errorf("%w: post %d", ErrNotFound, postID)
		}
		return err
	}
	if err := s.applyDiff(ctx, author, postID, post.Text, ""); err != nil {
		return err
	}
	if s.index != nil {
		s.index.RemovePost(postID)
	}
	return nil
}

func (s *Service) ownedPost(ctx context.Context, viewer Viewer, postID int64) (store.StreamPost, error) {
	post, err := s.repo.GetPost(ctx, postID)
	if err != nil {
		if store.NotFound(err) {
			return store.StreamPost{}, fmt.Errorf("%w: post %d", ErrNotFound, postID)
		}
		return store.StreamPost{}, err
	}
	if post.AuthorID != viewer.ID && !viewer.IsModerator() {
		return store.StreamPost{}, fmt.Errorf("%w: post %d", ErrForbidden, postID)
	}
	return post, nil
}

func viewerUser(viewer Viewer) store.User {
	return store.User{ID: viewer.ID, Username: viewer.Username, Level: viewer.Level}
}

// postAuthor resolves the user a mutation's diff is attributed to: the
// post's author, even when the acting viewer is a moderator.
func (s *Service) postAuthor(ctx context.Context, viewer Viewer, post store.StreamPost) (store.User, error) {
	if post.AuthorID == viewer.ID {
		return viewerUser(viewer), nil
	}
	author, err := s.repo.GetUserByID(ctx, post.AuthorID)
	if err != nil {
		return store.User{}, fmt.Errorf("load post author: %w", err)
	}
	return author, nil
}

// applyDiff runs the fan-out, keyed on the content's author: a moderator
// mutating someone else's post diffs as that post's author, keeping the
// add/remove counter symmetry. A fan-out failure fails the write request,
// but the already-persisted mutation stands.
func (s *Service) applyDiff(ctx context.Context, author store.User, postID int64, previous, next string) error {
	if err := s.diff.Apply(ctx, author, postID, previous, next); err != nil {
		s.log.Error("diff fan-out failed; content mutation remains committed",
			zap.Int64("postID", postID), zap.Error(err))
		return fmt.Errorf("apply content diff: %w", err)
	}
	return nil
}

func (s *Service) React(ctx context.Context, viewer Viewer, postID int64, reaction store.ReactionType) (PostView, error) {
	snapshot, err := s.repo.VisibilitySnapshot(ctx, viewer.ID)
	if err != nil {
		return PostView{}, fmt.Errorf("visibility snapshot: %w", err)
	}
	post, err := s.getVisiblePost(ctx, snapshot, postID)
	if err != nil {
		return PostView{}, err
	}
	if post.AuthorID == viewer.ID {
		return PostView{}, fmt.Errorf("%w: cannot react to own post", ErrBadRequest)
	}
	if err := s.repo.SetReaction(ctx, postID, viewer.ID, reaction); err != nil {
		return PostView{}, err
	}
	return s.assembleView(ctx, viewer, post)
}

func (s *Service) Unreact(ctx context.Context, viewer Viewer, postID int64) (PostView, error) {
	snapshot, err := s.repo.VisibilitySnapshot(ctx, viewer.ID)
	if err != nil {
		return PostView{}, fmt.Errorf("visibility snapshot: %w", err)
	}
	post, err := s.getVisiblePost(ctx, snapshot, postID)
	if err != nil {
		return PostView{}, err
	}
	if err := s.repo.RemoveReaction(ctx, postID, viewer.ID); err != nil {
		return PostView{}, err
	}
	return s.assembleView(ctx, viewer, post)
}

func (s *Service) Bookmark(ctx context.Context, viewer Viewer, postID int64) error {
	if _, err := s.repo.GetPost(ctx, postID); err != nil {
		if store.NotFound(err) {
			return fmt.Errorf("%w: post %d", ErrNotFound, postID)
		}
		return err
	}
	return s.repo.AddBookmark(ctx, postID, viewer.ID)
}

func (s *Service) Unbookmark(ctx context.Context, viewer Viewer, postID int64) error {
	return s.repo.RemoveBookmark(ctx, postID, viewer.ID)
}

func (s *Service) Report(ctx context.Context, viewer Viewer, postID int64, message string) error {
	if _, err := s.repo.GetPost(ctx, postID); err != nil {
		if store.NotFound(err) {
			return fmt.Errorf("%w: post %d", ErrNotFound, postID)
		}
		return err
	}
	return s.repo.InsertReport(ctx, store.Report{
		PostID:     postID,
		ReporterID: viewer.ID,
		Message:    message,
	})
}

func (s *Service) indexPost(ctx context.Context, post store.StreamPost, authorName string) {
	if s.index == nil {
		return
	}
	s.index.IndexPost(search.PostRecord{
		ID:        post.ID,
		Author:    authorName,
		Text:      post.Text,
		CreatedAt: post.CreatedAt,
	})
}

func (s *Service) assembleView(ctx context.Context, viewer Viewer, post store.StreamPost) (PostView, error) {
	views, err := s.assembleViews(ctx, viewer, []store.StreamPost{post})
	if err != nil {
		return PostView{}, err
	}
	return views[0], nil
}

// assembleViews attaches author headers, reaction summaries, and bookmark
// flags, and applies quarantine redaction.
func (s *Service) assembleViews(ctx context.Context, viewer Viewer, posts []store.StreamPost) ([]PostView, error) {
	views := make([]PostView, 0, len(posts))
	if len(posts) == 0 {
		return views, nil
	}

	postIDs := make([]int64, 0, len(posts))
	authorSet := make(map[uuid.UUID]struct{})
	for _, post := range posts {
		postIDs = append(postIDs, post.ID)
		authorSet[post.AuthorID] = struct{}{}
	}
	authorIDs := make([]uuid.UUID, 0, len(authorSet))
	for id := range authorSet {
		authorIDs = append(authorIDs, id)
	}

	authors, err := s.repo.UsersByIDs(ctx, authorIDs)
	if err != nil {
		return nil, fmt.Errorf("load author headers: %w", err)
	}
	headers := make(map[uuid.UUID]AuthorHeader, len(authors))
	for _, author := range authors {
		headers[author.ID] = AuthorHeader{
			UserID:      author.ID,
			Username:    author.Username,
			DisplayName: author.DisplayName,
		}
	}

	reactions, err := s.repo.ReactionSummaries(ctx, postIDs)
	if err != nil {
		return nil, fmt.Errorf("load reaction summaries: %w", err)
	}
	bookmarks, err := s.repo.BookmarkFlags(ctx, viewer.ID, postIDs)
	if err != nil {
		return nil, fmt.Errorf("load bookmark flags: %w", err)
	}

	for _, post := range posts {
		view := PostView{
			ID:          post.ID,
			Author:      headers[post.AuthorID],
			Text:        post.Text,
			CreatedAt:   post.CreatedAt,
			Reactions:   reactions[post.ID],
			Bookmarked:  bookmarks[post.ID],
			Quarantined: post.Quarantined,
		}
		if post.ReplyGroupID.Valid {
			group := post.ReplyGroupID.Int64
			view.ReplyGroupID = &group
		}
		if post.Quarantined && post.AuthorID != viewer.ID && !viewer.IsModerator() {
			view.Text = QuarantinePlaceholder
		}
		views = append(views, view)
	}
	return views, nil
}
