package search

// Result is a single search hit, always resolved to the thread that
// contains the match.
type Result struct {
	ThreadID   string `json:"threadId"`
	CategoryID string `json:"categoryId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text  string
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ThreadRecord is the data we index for a thread.
type ThreadRecord struct {
	ID         string `json:"id"`
	CategoryID string `json:"categoryId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// ReplyRecord is the data we index for a reply.
type ReplyRecord struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	CategoryID string `json:"categoryId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}
