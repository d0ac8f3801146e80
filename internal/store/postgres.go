package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const postColumns = `id, author_id, text, created_at, reply_group_id, quarantined, deleted`

func scanPost(row interface{ Scan(...any) error }) (StreamPost, error) {
	var post StreamPost
	err := row.Scan(
		&post.ID,
		&post.AuthorID,
		&post.Text,
		&post.CreatedAt,
		&post.ReplyGroupID,
		&post.Quarantined,
		&post.Deleted,
	)
	return post, err
}

// streamWhere assembles the WHERE clause for a stream query. Block
// exclusions and anchor ranges are repository predicates; mute filtering is
// not, so offset arithmetic stays stable across mute-list changes.
func streamWhere(q StreamQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "deleted = FALSE")

	if len(q.ExcludeAuthorIDs) > 0 {
		placeholders := make([]string, len(q.ExcludeAuthorIDs))
		for i, id := range q.ExcludeAuthorIDs {
			placeholders[i] = arg(id.String())
		}
		where = append(where, fmt.Sprintf("author_id NOT IN (%s)", strings.Join(placeholders, ", ")))
	}

	switch q.AnchorField {
	case AnchorFieldID:
		op := "<"
		if q.AnchorAfter {
			op = ">"
		}
		where = append(where, fmt.Sprintf("id %s %s", op, arg(q.AnchorID)))
	case AnchorFieldDate:
		op := "<"
		if q.AnchorAfter {
			op = ">"
		}
		where = append(where, fmt.Sprintf("created_at %s %s", op, arg(q.AnchorDate)))
	}

	if q.TextContains != "" {
		where = append(where, fmt.Sprintf(`text ILIKE %s ESCAPE '\'`, arg("%"+q.TextContains+"%")))
	}
	if q.HashtagContains != "" {
		where = append(where, fmt.Sprintf(`text ILIKE %s ESCAPE '\'`, arg("%"+q.HashtagContains+"%")))
	}
	if q.MentionContains != "" {
		where = append(where, fmt.Sprintf(`text ILIKE %s ESCAPE '\'`, arg("%"+q.MentionContains+"%")))
	}

	if q.AuthorID != nil {
		where = append(where, fmt.Sprintf("author_id = %s", arg(q.AuthorID.String())))
	}
	if q.ReplyGroupID != nil {
		// the head may predate its own reply_group_id assignment
		where = append(where, fmt.Sprintf("(id = %s OR reply_group_id = %s)",
			arg(*q.ReplyGroupID), arg(*q.ReplyGroupID)))
	} else if q.HideReplies {
		where = append(where, "reply_group_id IS NULL")
	}

	if q.ReactedBy != nil {
		if q.ReactionType != nil {
			where = append(where, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM post_reactions r WHERE r.post_id = stream_posts.id AND r.user_id = %s AND r.reaction = %s)",
				arg(q.ReactedBy.String()), arg(q.ReactionType.String())))
		} else {
			where = append(where, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM post_reactions r WHERE r.post_id = stream_posts.id AND r.user_id = %s)",
				arg(q.ReactedBy.String())))
		}
	}
	if q.BookmarkedBy != nil {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM post_bookmarks b WHERE b.post_id = stream_posts.id AND b.user_id = %s)",
			arg(q.BookmarkedBy.String())))
	}

	return strings.Join(where, " AND "), args
}

func (s *PostgresStore) ListStream(ctx context.Context, q StreamQuery) ([]StreamPost, error) {
	where, args := streamWhere(q)

	sortField := "id"
	if q.SortByDate {
		sortField = "created_at"
	}
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT %s FROM stream_posts
		WHERE %s
		ORDER BY %s %s
		OFFSET %d LIMIT %d
	`, postColumns, where, sortField, direction, q.Start, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stream: %w", err)
	}
	defer rows.Close()

	posts := make([]StreamPost, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream posts: %w", err)
	}
	return posts, nil
}

// CountStream counts the block-filtered set, ignoring range. Mute
// exclusions never affect this count.
func (s *PostgresStore) CountStream(ctx context.Context, q StreamQuery) (int, error) {
	where, args := streamWhere(q)
	var total int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM stream_posts WHERE %s`, where), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count stream: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID int64) (StreamPost, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM stream_posts WHERE id = $1 AND deleted = FALSE
	`, postColumns), postID)
	post, err := scanPost(row)
	if err != nil {
		return StreamPost{}, err
	}
	return post, nil
}

func (s *PostgresStore) CreatePost(ctx context.Context, authorID uuid.UUID, text string) (StreamPost, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO stream_posts (author_id, text)
		VALUES ($1, $2)
		RETURNING %s
	`, postColumns), authorID.String(), text)
	post, err := scanPost(row)
	if err != nil {
		return StreamPost{}, fmt.Errorf("insert post: %w", err)
	}
	return post, nil
}

// CreateReply inserts a reply and flattens it into the parent's reply
// group. The head's reply_group_id is set to its own id exactly once, at
// the moment of its first reply.
func (s *PostgresStore) CreateReply(ctx context.Context, authorID uuid.UUID, text string, parentID int64) (StreamPost, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StreamPost{}, fmt.Errorf("begin reply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentGroup sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT reply_group_id FROM stream_posts WHERE id = $1 AND deleted = FALSE`,
		parentID).Scan(&parentGroup)
	if err != nil {
		return StreamPost{}, err
	}

	groupID := parentID
	if parentGroup.Valid {
		groupID = parentGroup.Int64
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stream_posts SET reply_group_id = id WHERE id = $1 AND reply_group_id IS NULL`,
			parentID); err != nil {
			return StreamPost{}, fmt.Errorf("assign reply group head: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO stream_posts (author_id, text, reply_group_id)
		VALUES ($1, $2, $3)
		RETURNING %s
	`, postColumns), authorID.String(), text, groupID)
	post, err := scanPost(row)
	if err != nil {
		return StreamPost{}, fmt.Errorf("insert reply: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return StreamPost{}, fmt.Errorf("commit reply tx: %w", err)
	}
	return post, nil
}

// UpdatePostText archives the prior text as an edit-history record and
// stores the new text. There is no version check; concurrent edits of the
// same post race (documented limitation).
func (s *PostgresStore) UpdatePostText(ctx context.Context, postID int64, newText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO post_edits (post_id, text)
		SELECT id, text FROM stream_posts WHERE id = $1 AND deleted = FALSE
	`, postID); err != nil {
		return fmt.Errorf("archive edit: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE stream_posts SET text = $2 WHERE id = $1 AND deleted = FALSE`,
		postID, newText)
	if err != nil {
		return fmt.Errorf("update post text: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update post text: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return tx.Commit()
}

func (s *PostgresStore) SoftDeletePost(ctx context.Context, postID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE stream_posts SET deleted = TRUE WHERE id = $1 AND deleted = FALSE`, postID)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetReaction(ctx context.Context, postID int64, userID uuid.UUID, reaction ReactionType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_reactions (post_id, user_id, reaction)
		VALUES ($1, $2, $3)
		ON CONFLICT (post_id, user_id) DO UPDATE SET reaction = EXCLUDED.reaction, created_at = NOW()
	`, postID, userID.String(), reaction.String())
	if err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, postID int64, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM post_reactions WHERE post_id = $1 AND user_id = $2`,
		postID, userID.String())
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReactionSummaries(ctx context.Context, postIDs []int64) (map[int64]ReactionSummary, error) {
	summaries := make(map[int64]ReactionSummary, len(postIDs))
	if len(postIDs) == 0 {
		return summaries, nil
	}

	placeholders := make([]string, len(postIDs))
	args := make([]any, len(postIDs))
	for i, id := range postIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT post_id, reaction, COUNT(*)
		FROM post_reactions
		WHERE post_id IN (%s)
		GROUP BY post_id, reaction
	`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("reaction summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var postID int64
		var reaction string
		var count int
		if err := rows.Scan(&postID, &reaction, &count); err != nil {
			return nil, fmt.Errorf("scan reaction summary: %w", err)
		}
		summary := summaries[postID]
		switch reaction {
		case "laugh":
			summary.Laugh = count
		case "like":
			summary.Like = count
		case "love":
			summary.Love = count
		}
		summaries[postID] = summary
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) AddBookmark(ctx context.Context, postID int64, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_bookmarks (post_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (post_id, user_id) DO NOTHING
	`, postID, userID.String())
	if err != nil {
		return fmt.Errorf("add bookmark: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveBookmark(ctx context.Context, postID int64, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM post_bookmarks WHERE post_id = $1 AND user_id = $2`,
		postID, userID.String())
	if err != nil {
		return fmt.Errorf("remove bookmark: %w", err)
	}
	return nil
}

func (s *PostgresStore) BookmarkFlags(ctx context.Context, userID uuid.UUID, postIDs []int64) (map[int64]bool, error) {
	flags := make(map[int64]bool, len(postIDs))
	if len(postIDs) == 0 {
		return flags, nil
	}

	placeholders := make([]string, len(postIDs))
	args := []any{userID.String()}
	for i, id := range postIDs {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT post_id FROM post_bookmarks
		WHERE user_id = $1 AND post_id IN (%s)
	`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("bookmark flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var postID int64
		if err := rows.Scan(&postID); err != nil {
			return nil, fmt.Errorf("scan bookmark flag: %w", err)
		}
		flags[postID] = true
	}
	return flags, rows.Err()
}

func (s *PostgresStore) InsertReport(ctx context.Context, report Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_reports (post_id, reporter_id, message)
		VALUES ($1, $2, $3)
	`, report.PostID, report.ReporterID.String(), report.Message)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

const userColumns = `id, username, display_name, access_level, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var level string
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &level, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	parsed, err := ParseAccessLevel(level)
	if err != nil {
		return User{}, fmt.Errorf("user %s: %w", user.ID, err)
	}
	user.Level = parsed
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID uuid.UUID) (User, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM users WHERE id = $1`, userColumns), userID.String())
	return scanUser(row)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM users WHERE LOWER(username) = LOWER($1)`, userColumns), username)
	return scanUser(row)
}

func (s *PostgresStore) UsersByIDs(ctx context.Context, userIDs []uuid.UUID) ([]User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(userIDs))
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM users WHERE id IN (%s)`, userColumns, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("users by ids: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// UsersByUsernames is the username index the diff engine resolves mention
// tokens against. Unknown names simply produce no row.
func (s *PostgresStore) UsersByUsernames(ctx context.Context, usernames []string) ([]User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(usernames))
	args := make([]any, len(usernames))
	for i, name := range usernames {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = strings.ToLower(name)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM users WHERE LOWER(username) IN (%s)`, userColumns, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("users by usernames: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// VisibilitySnapshot loads the viewer's blocks, mutes, and muted keywords
// in one round trip per concern.
func (s *PostgresStore) VisibilitySnapshot(ctx context.Context, viewerID uuid.UUID) (VisibilitySnapshot, error) {
	snapshot := VisibilitySnapshot{
		BlockedAuthorIDs: make(map[uuid.UUID]struct{}),
		MutedAuthorIDs:   make(map[uuid.UUID]struct{}),
	}

	if err := s.collectUserIDs(ctx,
		`SELECT blocked_id FROM user_blocks WHERE user_id = $1`,
		viewerID, snapshot.BlockedAuthorIDs); err != nil {
		return VisibilitySnapshot{}, fmt.Errorf("load blocks: %w", err)
	}
	if err := s.collectUserIDs(ctx,
		`SELECT muted_id FROM user_mutes WHERE user_id = $1`,
		viewerID, snapshot.MutedAuthorIDs); err != nil {
		return VisibilitySnapshot{}, fmt.Errorf("load mutes: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT word FROM mute_words WHERE user_id = $1`, viewerID.String())
	if err != nil {
		return VisibilitySnapshot{}, fmt.Errorf("load mute words: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var word string
		if err := rows.Scan(&word); err != nil {
			return VisibilitySnapshot{}, fmt.Errorf("scan mute word: %w", err)
		}
		snapshot.MutedKeywords = append(snapshot.MutedKeywords, strings.ToLower(word))
	}
	if err := rows.Err(); err != nil {
		return VisibilitySnapshot{}, fmt.Errorf("iterate mute words: %w", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) collectUserIDs(ctx context.Context, query string, viewerID uuid.UUID, into map[uuid.UUID]struct{}) error {
	rows, err := s.db.QueryContext(ctx, query, viewerID.String())
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		into[id] = struct{}{}
	}
	return rows.Err()
}

// AlertWords returns the global registry: the union of every user's
// registered alert words, lowercased.
func (s *PostgresStore) AlertWords(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT LOWER(word) FROM alert_words`)
	if err != nil {
		return nil, fmt.Errorf("alert words: %w", err)
	}
	defer rows.Close()

	words := make([]string, 0)
	for rows.Next() {
		var word string
		if err := rows.Scan(&word); err != nil {
			return nil, fmt.Errorf("scan alert word: %w", err)
		}
		words = append(words, word)
	}
	return words, rows.Err()
}

func (s *PostgresStore) UsersAlertingOn(ctx context.Context, word string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM users
		WHERE id IN (SELECT user_id FROM alert_words WHERE LOWER(word) = LOWER($1))
	`, userColumns), word)
	if err != nil {
		return nil, fmt.Errorf("users alerting on %q: %w", word, err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// NotFound reports whether err is the repository's missing-row error.
func NotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
