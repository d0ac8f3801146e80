package search

import "time"

// PostRecord is the indexed shape of a stream post.
type PostRecord struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Query struct {
	Text   string
	Limit  int
	Offset int
}

type Result struct {
	PostID  int64  `json:"postID"`
	Author  string `json:"author"`
	Snippet string `json:"snippet"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
