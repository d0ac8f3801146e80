package stream

import "tideline/api/internal/store"

// ApplyPostFilters runs the materialized-page pipeline: muted keywords,
// muted authors (unless the plan skipped mute filtering), and exact-token
// resolution of over-inclusive hashtag/mention substring matches.
//
// The returned page may be shorter than the requested limit even when more
// matching items exist; callers continue with the next start offset. This
// keeps offset arithmetic independent of the viewer's mute state.
func ApplyPostFilters(posts []store.StreamPost, plan Plan, snapshot store.VisibilitySnapshot) []store.StreamPost {
	filtered := make([]store.StreamPost, 0, len(posts))
	for _, post := range posts {
		if ContainsMutedKeyword(post.Text, snapshot.MutedKeywords) {
			continue
		}
		if plan.ApplyMutes && snapshot.Muted(post.AuthorID) {
			continue
		}
		if plan.HashtagToken != "" && !HasToken(post.Text, "#"+plan.HashtagToken) {
			continue
		}
		if plan.MentionToken != "" && !HasToken(post.Text, "@"+plan.MentionToken) {
			continue
		}
		filtered = append(filtered, post)
	}
	return filtered
}

// NormalizeOrder reconciles the repository scan order with the display
// order, reversing the filtered page in place when they differ.
func NormalizeOrder(posts []store.StreamPost, searchDescending, displayDescending bool) []store.StreamPost {
	if searchDescending == displayDescending {
		return posts
	}
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
	return posts
}
