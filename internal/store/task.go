// Package store holds the task store: the keyed map of live tasks that
// owns each task's one-shot result channel.
package store

// TaskID is a monotonically increasing task identifier allocated by the
// Store, starting at 1.
type TaskID uint32

// QoS is a task's quality-of-service class. UserInteractive outranks
// Background in queue ordering.
type QoS int

const (
	Background QoS = iota
	UserInteractive
)

// ContentKind discriminates the two shapes a task's payload can take.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentBlob
)

// Content is the discriminated union carried by a Task before dispatch.
type Content struct {
	Kind ContentKind
	Text string
	Blob []byte
}

// TextContent builds a textual task payload.
func TextContent(s string) *Content { return &Content{Kind: ContentText, Text: s} }

// BlobContent builds a raw byte-blob task payload.
func BlobContent(b []byte) *Content { return &Content{Kind: ContentBlob, Blob: b} }

// State is a task's lifecycle state. Legal transitions:
// Pending -> Processing -> {Done, Failure, Timeout}, and
// Pending -> Cancel or Processing -> Cancel.
type State int

const (
	Pending State = iota
	Processing
	Done
	Failure
	Timeout
	Cancel
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Processing:
		return "Processing"
	case Done:
		return "Done"
	case Failure:
		return "Failure"
	case Timeout:
		return "Timeout"
	case Cancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is one of {Done, Failure, Timeout, Cancel}.
func (s State) IsTerminal() bool {
	switch s {
	case Done, Failure, Timeout, Cancel:
		return true
	default:
		return false
	}
}

// Result is the terminal message sent exactly once on a task's ret channel.
type Result struct {
	ID    TaskID
	State State
}

// Task is a single queued unit of work. Content is consumed at most once:
// once taken for dispatch it is set back to nil on the struct. Only ever
// pass a *Task by pointer — copying a Task by value would duplicate the
// result channel, which must be taken (removed) exactly once.
type Task struct {
	ID        TaskID
	HandlerID string
	Content   *Content
	QoS       QoS
	State     State

	ret chan Result
	obs <-chan Result
}

// NewTask constructs a Task in state Pending with a fresh one-shot result
// channel.
func NewTask(id TaskID, handlerID string, content *Content, qos QoS) *Task {
	ch := make(chan Result, 1)
	return &Task{
		ID:        id,
		HandlerID: handlerID,
		Content:   content,
		QoS:       qos,
		State:     Pending,
		ret:       ch,
		obs:       ch,
	}
}

// TakeRet removes and returns the result channel, or nil if already taken.
func (t *Task) TakeRet() chan Result {
	ch := t.ret
	t.ret = nil
	return ch
}

// TakeContent removes and returns the content, or nil if already taken.
func (t *Task) TakeContent() *Content {
	c := t.Content
	t.Content = nil
	return c
}

// ResultChan returns the result channel without taking it, for callers that
// only want to observe (e.g. embedding-API callers awaiting TaskResult).
func (t *Task) ResultChan() <-chan Result {
	return t.obs
}
