package dispatch

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/cancel"
	"github.com/emberweb/resourced/internal/config"
	"github.com/emberweb/resourced/internal/cookies"
	"github.com/emberweb/resourced/internal/fetch"
	"github.com/emberweb/resourced/internal/filemgr"
	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
	"github.com/emberweb/resourced/internal/shared/id"
	"github.com/emberweb/resourced/internal/state"
	"github.com/emberweb/resourced/internal/workers"
)

// chanDepth bounds the control channels. Senders block once the loop
// falls this far behind.
const chanDepth = 64

// Lane pairs a profile with the fetcher bound to it. The loop routes
// public-channel messages to the public lane and private-channel
// messages to the private lane.
type Lane struct {
	Profile *state.Profile
	Fetcher *fetch.Fetcher
}

// Manager is the control loop of the subsystem. One goroutine owns all
// message handling; only fetches leave the loop, onto bounded
// goroutines of their own. The loop survives malformed messages and
// terminates only on Exit.
type Manager struct {
	cfg      *config.Config
	public   Lane
	private  Lane
	files    *filemgr.Manager
	pool     *workers.Pool
	registry *cancel.Registry
	metrics  *monitoring.Metrics
	log      *logging.Logger

	publicCh  chan Message
	privateCh chan Message
	memoryCh  chan MemoryReport

	sem chan struct{}
}

func NewManager(cfg *config.Config, public, private Lane, files *filemgr.Manager, pool *workers.Pool, log *logging.Logger, m *monitoring.Metrics) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	concurrent := cfg.Fetch.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 64
	}
	return &Manager{
		cfg:       cfg,
		public:    public,
		private:   private,
		files:     files,
		pool:      pool,
		registry:  cancel.NewRegistry(),
		metrics:   m,
		log:       log.Named("dispatch"),
		publicCh:  make(chan Message, chanDepth),
		privateCh: make(chan Message, chanDepth),
		memoryCh:  make(chan MemoryReport, chanDepth),
		sem:       make(chan struct{}, concurrent),
	}
}

// PublicChannel accepts control messages for the public profile.
func (m *Manager) PublicChannel() chan<- Message { return m.publicCh }

// PrivateChannel accepts control messages for the private profile.
func (m *Manager) PrivateChannel() chan<- Message { return m.privateCh }

// MemoryChannel accepts usage-report requests.
func (m *Manager) MemoryChannel() chan<- MemoryReport { return m.memoryCh }

// Start runs the loop on its own goroutine. It returns once Exit has
// been handled.
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) run() {
	m.log.Info("dispatch loop started",
		zap.Int("max_concurrent_fetches", cap(m.sem)),
	)
	for {
		select {
		case msg := <-m.publicCh:
			if m.handle(m.public, msg) {
				return
			}
		case msg := <-m.privateCh:
			if m.handle(m.private, msg) {
				return
			}
		case req := <-m.memoryCh:
			m.handleMemory(req)
		}
	}
}

func (m *Manager) handle(lane Lane, msg Message) (exit bool) {
	if msg == nil {
		m.log.Warn("nil message dropped", zap.String("profile", lane.Profile.Name))
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordDispatchMessage(lane.Profile.Name, msg.kind())
	}

	switch v := msg.(type) {
	case Fetch:
		m.spawnFetch(lane, v.Request, v.Target)
	case FetchRedirect:
		m.spawnFetch(lane, v.Request, v.Target)
	case Cancel:
		m.registry.CancelAll(v.IDs)
	case SetCookieForURL:
		m.setCookies(lane, v.URL, []*http.Cookie{v.Cookie}, v.Source)
	case SetCookiesForURL:
		m.setCookies(lane, v.URL, v.Cookies, v.Source)
	case GetCookiesForURL:
		if v.URL == nil || v.Reply == nil {
			m.dropMalformed(lane, msg)
			break
		}
		v.Reply <- lane.Profile.Jar.CookieHeaderForURL(v.URL, v.Source)
	case GetCookiesDataForURL:
		if v.URL == nil || v.Reply == nil {
			m.dropMalformed(lane, msg)
			break
		}
		v.Reply <- lane.Profile.Jar.CookiesForURL(v.URL, v.Source)
	case DeleteCookie:
		if v.URL == nil {
			m.dropMalformed(lane, msg)
			break
		}
		lane.Profile.Jar.DeleteCookieWithName(v.URL, v.Name)
	case DeleteCookies:
		lane.Profile.Jar.ClearStorage(v.Host)
	case NewCookieListener:
		if err := lane.Profile.Listeners.Subscribe(v.ID, v.Listener); err != nil {
			m.log.Warn("cookie listener rejected",
				zap.String("profile", lane.Profile.Name),
				zap.String("listener_id", string(v.ID)),
				zap.Error(err),
			)
		}
	case RemoveCookieListener:
		lane.Profile.Listeners.Unsubscribe(v.ID)
	case SetHistoryState:
		if v.ID == uuid.Nil {
			m.dropMalformed(lane, msg)
			break
		}
		lane.Profile.History.Set(v.ID, v.Data)
	case GetHistoryState:
		if v.Reply == nil {
			m.dropMalformed(lane, msg)
			break
		}
		data, ok := lane.Profile.History.Get(v.ID)
		v.Reply <- HistoryState{Data: data, Found: ok}
	case RemoveHistoryStates:
		lane.Profile.History.Remove(v.IDs)
	case ClearCache:
		lane.Profile.ClearCache()
	case ToFileManager:
		m.handleFileOp(v.Op)
	case Exit:
		m.shutdown(v.Reply)
		return true
	default:
		m.log.Warn("unroutable message",
			zap.String("profile", lane.Profile.Name),
			zap.String("type", msg.kind()),
		)
	}
	return false
}

// spawnFetch hands the fetch to its own goroutine, gated by the
// concurrency semaphore. The semaphore is taken inside the goroutine
// so a burst of fetches queues there instead of stalling the loop.
func (m *Manager) spawnFetch(lane Lane, req *fetch.Request, target fetch.Target) {
	if req == nil {
		m.log.Warn("fetch message without request dropped",
			zap.String("profile", lane.Profile.Name))
		if target != nil {
			target.ProcessResponseEOF(fetch.Outcome{
				Result: fetch.ResultNetworkError,
				Reason: "malformed fetch message",
			})
		}
		return
	}
	if req.ID == "" {
		req.ID = id.NewRequestID()
	}
	ref := m.registry.GetOrCreate(req.ID)

	go func() {
		defer ref.Release()
		m.sem <- struct{}{}
		defer func() { <-m.sem }()
		lane.Fetcher.Fetch(context.Background(), req, ref.Token, target)
	}()
}

func (m *Manager) setCookies(lane Lane, u *url.URL, batch []*http.Cookie, source cookies.Source) {
	if u == nil {
		m.log.Warn("cookie message without url dropped",
			zap.String("profile", lane.Profile.Name))
		return
	}
	for _, hc := range batch {
		if hc == nil {
			continue
		}
		if _, err := lane.Profile.SetCookie(hc, u, source); err != nil {
			m.log.Debug("cookie rejected",
				zap.String("profile", lane.Profile.Name),
				zap.String("name", hc.Name),
				zap.String("host", u.Hostname()),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) handleFileOp(op FileOp) {
	if op == nil {
		m.log.Warn("file manager message without op dropped")
		return
	}
	switch v := op.(type) {
	case AllocateBlob:
		blobID := m.files.AllocateBlob(v.Data, v.MediaType)
		if v.Reply != nil {
			v.Reply <- blobID
		}
	case AllocateFileBlob:
		blobID, err := m.files.AllocateFileBlob(v.Path, v.MediaType)
		if v.Reply != nil {
			v.Reply <- AllocatedBlob{ID: blobID, Err: err}
		}
	case RevokeBlob:
		ok := m.files.RevokeBlob(v.ID)
		if v.Reply != nil {
			v.Reply <- ok
		}
	case SelectFile:
		tok, err := m.files.SelectFile(v.Path)
		if v.Reply != nil {
			v.Reply <- SelectedFile{Token: tok, Err: err}
		}
	default:
		m.log.Warn("unroutable file manager op", zap.String("op", op.fileOpKind()))
	}
}

func (m *Manager) handleMemory(req MemoryReport) {
	if req.Reply == nil {
		return
	}
	req.Reply <- []state.Usage{m.public.Profile.Usage(), m.private.Profile.Usage()}
}

// shutdown flushes both profiles, stops the worker pool with a bounded
// wait and acks the caller. In-flight fetches are not waited for; their
// tokens and targets outlive the loop.
func (m *Manager) shutdown(reply chan<- struct{}) {
	m.log.Info("dispatch loop exiting")

	m.public.Profile.Close()
	m.private.Profile.Close()

	if m.pool != nil {
		timeout := time.Duration(m.cfg.Workers.ExitTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if !m.pool.Stop(timeout) {
			m.log.Warn("worker pool stop timed out")
		}
	}

	if reply != nil {
		reply <- struct{}{}
	}
}

func (m *Manager) dropMalformed(lane Lane, msg Message) {
	m.log.Warn("malformed message dropped",
		zap.String("profile", lane.Profile.Name),
		zap.String("type", msg.kind()),
	)
}

// Stats reports loop occupancy for the debug surface.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"public_queued":  len(m.publicCh),
		"private_queued": len(m.privateCh),
		"live_tokens":    m.registry.Len(),
		"active_fetches": len(m.sem),
	}
}
