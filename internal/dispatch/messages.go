package dispatch

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/emberweb/resourced/internal/cookies"
	"github.com/emberweb/resourced/internal/fetch"
	"github.com/emberweb/resourced/internal/shared/id"
	"github.com/emberweb/resourced/internal/state"
)

// Message is one control message for the dispatch loop. Messages sent
// on the public channel operate on the public profile, the private
// channel on the private profile. Reply channels must have room for
// one element; the loop sends exactly once and never waits.
type Message interface {
	kind() string
}

// Fetch starts a resource load. Events stream to Target from a
// dedicated goroutine; the consumer always receives a terminal EOF,
// whatever the outcome.
type Fetch struct {
	Request *fetch.Request
	Target  fetch.Target
}

// FetchRedirect resumes a fetch that an earlier hop handed back to the
// consumer. The request keeps its original ID, so a pending Cancel
// still reaches the continuation, and its RedirectCount seeds the hop
// counter.
type FetchRedirect struct {
	Request *fetch.Request
	Target  fetch.Target
}

// Cancel flags the tokens for the given request IDs. Unknown or
// finished IDs are ignored.
type Cancel struct {
	IDs []id.RequestID
}

// SetCookieForURL stores one cookie against the URL.
type SetCookieForURL struct {
	URL    *url.URL
	Cookie *http.Cookie
	Source cookies.Source
}

// SetCookiesForURL stores a batch of cookies against the URL.
// Individually rejected cookies do not abort the rest.
type SetCookiesForURL struct {
	URL     *url.URL
	Cookies []*http.Cookie
	Source  cookies.Source
}

// GetCookiesForURL replies with the Cookie header value for the URL,
// empty when nothing applies.
type GetCookiesForURL struct {
	URL    *url.URL
	Source cookies.Source
	Reply  chan<- string
}

// GetCookiesDataForURL replies with the matching cookies themselves.
type GetCookiesDataForURL struct {
	URL    *url.URL
	Source cookies.Source
	Reply  chan<- []*cookies.Cookie
}

// DeleteCookie removes the named cookie that would be sent to the URL.
type DeleteCookie struct {
	URL  *url.URL
	Name string
}

// DeleteCookies clears the jar. A non-empty Host restricts the purge
// to that host's registrable domain.
type DeleteCookies struct {
	Host string
}

// NewCookieListener subscribes a channel to cookie change broadcasts.
// The id must be unused; a slow listener drops changes rather than
// blocking writers.
type NewCookieListener struct {
	ID       id.ListenerID
	Listener chan state.CookieChange
}

// RemoveCookieListener drops the subscription and closes its channel.
type RemoveCookieListener struct {
	ID id.ListenerID
}

// SetHistoryState stores an opaque serialized history entry.
type SetHistoryState struct {
	ID   uuid.UUID
	Data []byte
}

// HistoryState is the reply to GetHistoryState.
type HistoryState struct {
	Data  []byte `json:"data"`
	Found bool   `json:"found"`
}

// GetHistoryState replies with the stored blob for the id.
type GetHistoryState struct {
	ID    uuid.UUID
	Reply chan<- HistoryState
}

// RemoveHistoryStates drops the given history entries.
type RemoveHistoryStates struct {
	IDs []uuid.UUID
}

// ClearCache evicts every cached response for the profile. Active
// readers keep their handles.
type ClearCache struct{}

// ToFileManager routes an operation to the file manager. The file
// manager is shared; the op behaves the same from either channel.
type ToFileManager struct {
	Op FileOp
}

// Exit shuts the subsystem down: profile state flushes to disk, the
// worker pool stops with a bounded wait, listeners close, the reply is
// acked and the loop terminates. Only Exit terminates the loop.
type Exit struct {
	Reply chan<- struct{}
}

func (Fetch) kind() string                { return "fetch" }
func (FetchRedirect) kind() string        { return "fetch_redirect" }
func (Cancel) kind() string               { return "cancel" }
func (SetCookieForURL) kind() string      { return "set_cookie" }
func (SetCookiesForURL) kind() string     { return "set_cookies" }
func (GetCookiesForURL) kind() string     { return "get_cookies" }
func (GetCookiesDataForURL) kind() string { return "get_cookies_data" }
func (DeleteCookie) kind() string         { return "delete_cookie" }
func (DeleteCookies) kind() string        { return "delete_cookies" }
func (NewCookieListener) kind() string    { return "new_cookie_listener" }
func (RemoveCookieListener) kind() string { return "remove_cookie_listener" }
func (SetHistoryState) kind() string      { return "set_history_state" }
func (GetHistoryState) kind() string      { return "get_history_state" }
func (RemoveHistoryStates) kind() string  { return "remove_history_states" }
func (ClearCache) kind() string           { return "clear_cache" }
func (ToFileManager) kind() string        { return "file_manager" }
func (Exit) kind() string                 { return "exit" }

// FileOp is one file-manager operation carried by ToFileManager.
type FileOp interface {
	fileOpKind() string
}

// AllocateBlob registers in-memory bytes under a fresh blob URL id.
type AllocateBlob struct {
	Data      []byte
	MediaType string
	Reply     chan<- uuid.UUID
}

// AllocatedBlob is the reply to AllocateFileBlob.
type AllocatedBlob struct {
	ID  uuid.UUID
	Err error
}

// AllocateFileBlob registers a file-backed blob. The file is read at
// resolution time and must outlive the blob.
type AllocateFileBlob struct {
	Path      string
	MediaType string
	Reply     chan<- AllocatedBlob
}

// RevokeBlob kills a blob URL. The reply reports whether the id was
// known and live; in-flight reads finish, later ones fail.
type RevokeBlob struct {
	ID    uuid.UUID
	Reply chan<- bool
}

// SelectedFile is the reply to SelectFile.
type SelectedFile struct {
	Token id.FileTokenID
	Err   error
}

// SelectFile registers a user-chosen local path and replies with a
// read token for it.
type SelectFile struct {
	Path  string
	Reply chan<- SelectedFile
}

func (AllocateBlob) fileOpKind() string     { return "allocate_blob" }
func (AllocateFileBlob) fileOpKind() string { return "allocate_file_blob" }
func (RevokeBlob) fileOpKind() string       { return "revoke_blob" }
func (SelectFile) fileOpKind() string       { return "select_file" }

// MemoryReport requests per-profile usage figures. It travels on its
// own channel so monitoring keeps working while the control channels
// are busy.
type MemoryReport struct {
	Reply chan<- []state.Usage
}
