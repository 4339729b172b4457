package stream

// stepResult is what a state function returns: either "need more
// bytes" (needMore), a transition to next, or a fatal err that aborts
// this follower's connection per spec.md §7.
type stepResult struct {
	next     string
	needMore bool
	err      error
}

func needMore() stepResult { return stepResult{needMore: true} }

func transition(next string) stepResult { return stepResult{next: next} }

// stateFunc is the common signature of spec.md §4.3: it consumes a
// prefix of the follower's buffer in place and reports what happens
// next. The state table maps state names to these functions.
type stateFunc func(f *Follower) stepResult

var states = map[string]stateFunc{
	"http":         stateHTTP,
	"http_length":  stateHTTPLength,
	"http_chunked": stateHTTPChunked,
	"websocket":    stateWebSocket,
	"eof":          stateEOF,
	"closed":       stateClosed,
}
