// Package conn implements the connection facade for upgrade attempts.
//
// An Upgrade wraps one inbound handshake (the pending ResponseWriter and the
// original request) and exposes response-shaped operations on it. It
// enforces the lifecycle
//
//	Pending --Accept--> Accepted --SendError/deadline/SoftClose--> Closed
//	Pending --Reject/SendError/Status/End--> Closed
//
// where Closed is terminal. Every transition is serialized by the facade's
// mutex and every close timer is stopped on the path that supersedes it.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	ierrors "github.com/jamesprial/sockroute/internal/errors"
	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// DefaultRecheckInterval caps a single close-timer wait so that wall clock
// adjustments cannot postpone a deadline indefinitely.
const DefaultRecheckInterval = 24 * time.Hour

const domainConn = "conn"

type state int

const (
	statePending state = iota
	stateAccepted
	stateClosed
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAccepted:
		return "accepted"
	default:
		return "closed"
	}
}

// Hooks are bookkeeping callbacks invoked on lifecycle transitions. They
// must not block and must not consume messages.
type Hooks struct {
	// Accepted is called once the handshake completed.
	Accepted func(u *Upgrade)

	// Released is called once the upgraded transport has closed.
	Released func(u *Upgrade)

	// Rejected is called when the handshake was answered with an HTTP error.
	Rejected func(u *Upgrade, status int)
}

// Options configures a new Upgrade.
type Options struct {
	// Upgrader performs the protocol switch. Nil uses a zero Upgrader.
	Upgrader *websocket.Upgrader

	// Hooks receive lifecycle notifications.
	Hooks Hooks

	// Logger is used for transition logging. Nil uses slog.Default().
	Logger *slog.Logger

	// RecheckInterval caps a single close-timer wait. Zero uses
	// DefaultRecheckInterval.
	RecheckInterval time.Duration
}

// Upgrade is the facade for one upgrade attempt.
type Upgrade struct {
	id       string
	w        http.ResponseWriter
	r        *http.Request
	header   http.Header
	upgrader *websocket.Upgrader
	hooks    Hooks
	logger   *slog.Logger
	recheck  time.Duration

	origPath       string
	origRawPath    string
	origRequestURI string

	settled chan struct{}

	mu          sync.Mutex
	state       state
	ch          *Channel
	accepting   chan struct{}
	sent        bool
	abandoned   bool
	txCount     int
	softClosing bool

	closeTimer  *time.Timer
	hasDeadline bool
	closeTime   time.Time
	closeCode   int
	closeReason string
}

// New wraps a pending upgrade request. The Upgrade owns w and r until it
// is accepted, rejected or abandoned.
func New(w http.ResponseWriter, r *http.Request, opts Options) *Upgrade {
	upgrader := opts.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recheck := opts.RecheckInterval
	if recheck <= 0 {
		recheck = DefaultRecheckInterval
	}

	id := uuid.NewString()
	return &Upgrade{
		id:             id,
		w:              w,
		r:              r,
		header:         make(http.Header),
		upgrader:       upgrader,
		hooks:          opts.Hooks,
		logger:         logger.With("conn_id", id),
		recheck:        recheck,
		origPath:       r.URL.Path,
		origRawPath:    r.URL.RawPath,
		origRequestURI: r.RequestURI,
		settled:        make(chan struct{}),
	}
}

// ID returns the unique identifier assigned to this attempt.
func (u *Upgrade) ID() string { return u.id }

// Request returns the original handshake request.
func (u *Upgrade) Request() *http.Request { return u.r }

// Header returns the headers sent with the eventual response: the 101 on
// acceptance or the error response on rejection.
func (u *Upgrade) Header() http.Header { return u.header }

// Channel returns the upgraded channel, or nil before acceptance.
func (u *Upgrade) Channel() *Channel {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ch
}

// Accepted reports whether the handshake ever completed.
func (u *Upgrade) Accepted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ch != nil
}

// Closed reports whether the facade reached its terminal state.
func (u *Upgrade) Closed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == stateClosed
}

// Abandoned reports whether the socket was handed back via Abandon.
func (u *Upgrade) Abandoned() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.abandoned
}

// Transactions returns the number of open transactions.
func (u *Upgrade) Transactions() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txCount
}

// SoftClosing reports whether a shutdown is waiting for transactions to end.
func (u *Upgrade) SoftClosing() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.softClosing
}

// Deadline returns the scheduled forced-close time, if any.
func (u *Upgrade) Deadline() (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closeTime, u.hasDeadline
}

// Settled returns a channel that is closed once the facade leaves Pending.
func (u *Upgrade) Settled() <-chan struct{} {
	return u.settled
}

// Accept completes the handshake and returns the live channel. Concurrent
// and repeated calls return the same channel. It fails with
// ErrAlreadyClosed once the facade is closed.
func (u *Upgrade) Accept() (*Channel, error) {
	u.mu.Lock()
	u.waitAcceptLocked()
	if u.state == stateClosed {
		u.mu.Unlock()
		return nil, ierrors.New(domainConn, "Accept", ierrors.ErrAlreadyClosed, nil)
	}
	if u.ch != nil {
		ch := u.ch
		u.mu.Unlock()
		return ch, nil
	}

	inFlight := make(chan struct{})
	u.accepting = inFlight
	header := u.header.Clone()
	u.mu.Unlock()

	// gorilla negotiates extensions itself and refuses to be handed one.
	header.Del("Sec-Websocket-Extensions")
	ws, err := u.upgrader.Upgrade(u.w, u.r, header)

	u.mu.Lock()
	u.accepting = nil
	if err != nil {
		u.state = stateClosed
		u.stopTimerLocked()
		u.settle()
		close(inFlight)
		u.mu.Unlock()
		u.logger.Warn("upgrade handshake failed", "error", err)
		return nil, ierrors.New(domainConn, "Accept", ierrors.ErrInternal, err)
	}

	// Server read and write timeouts apply to requests, not channels.
	_ = ws.UnderlyingConn().SetDeadline(time.Time{})

	ch := newChannel(ws)
	u.ch = ch
	u.state = stateAccepted
	u.settle()
	close(inFlight)
	u.mu.Unlock()

	u.logger.Debug("upgrade accepted", "path", u.origPath)
	if u.hooks.Accepted != nil {
		u.hooks.Accepted(u)
	}
	go u.watch(ch)
	return ch, nil
}

// Reject answers the handshake with an HTTP error. A zero status means 500.
// It fails with ErrAlreadyAccepted after acceptance.
func (u *Upgrade) Reject(status int, message string) error {
	if status == 0 {
		status = http.StatusInternalServerError
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	if u.ch != nil {
		return ierrors.New(domainConn, "Reject", ierrors.ErrAlreadyAccepted, nil)
	}
	return u.sendErrorLocked("Reject", status, 0, message)
}

// Abandon hands the raw socket back without answering it. The request path
// is restored so that the next consumer sees the handshake unmodified.
func (u *Upgrade) Abandon() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	if u.ch != nil {
		return ierrors.New(domainConn, "Abandon", ierrors.ErrAlreadyAccepted, nil)
	}
	if u.state == stateClosed {
		return ierrors.New(domainConn, "Abandon", ierrors.ErrAlreadyClosed, nil)
	}

	u.r.URL.Path = u.origPath
	u.r.URL.RawPath = u.origRawPath
	u.r.RequestURI = u.origRequestURI

	u.state = stateClosed
	u.abandoned = true
	u.stopTimerLocked()
	u.settle()
	u.logger.Debug("upgrade abandoned", "path", u.origPath)
	return nil
}

// Released returns the raw writer and request after Abandon, for handing
// to another consumer. ok is false if the facade was not abandoned.
func (u *Upgrade) Released() (w http.ResponseWriter, r *http.Request, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.abandoned {
		return nil, nil, false
	}
	return u.w, u.r, true
}

// SendError terminates the attempt. Before acceptance it writes an HTTP
// error response and destroys the socket; after acceptance it closes the
// channel with closeCode, or with a code derived from httpStatus when
// closeCode is zero. An empty message uses the status text.
func (u *Upgrade) SendError(httpStatus, closeCode int, message string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	return u.sendErrorLocked("SendError", httpStatus, closeCode, message)
}

// Status reports an error status. Statuses below 400 are only meaningful
// before acceptance and fail with ErrAlreadyAccepted afterwards.
func (u *Upgrade) Status(code int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	if code < http.StatusBadRequest && u.ch != nil {
		return ierrors.New(domainConn, "Status", ierrors.ErrAlreadyAccepted, nil).
			WithContext("status", code)
	}
	return u.sendErrorLocked("Status", code, 0, "")
}

// End finishes an attempt nobody claimed with a 404. It does nothing once
// the facade was accepted or closed.
func (u *Upgrade) End() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	if u.ch != nil || u.state == stateClosed {
		return nil
	}
	return u.sendErrorLocked("End", http.StatusNotFound, 0, "")
}

// Send accepts the attempt if needed, sends a single message and closes the
// channel normally. Calls after the first are no-ops.
func (u *Upgrade) Send(messageType int, data []byte) error {
	u.mu.Lock()
	if u.state == stateClosed || u.sent {
		u.mu.Unlock()
		return nil
	}
	u.sent = true
	u.mu.Unlock()

	ch, err := u.Accept()
	if err != nil {
		return err
	}
	sendErr := ch.Send(messageType, data)

	u.mu.Lock()
	if u.state != stateClosed {
		u.state = stateClosed
		u.stopTimerLocked()
	}
	u.mu.Unlock()

	if err := ch.Close(wsproto.CloseNormal, ""); err != nil && sendErr == nil {
		return err
	}
	return sendErr
}

// SendText is Send with a text message.
func (u *Upgrade) SendText(text string) error {
	return u.Send(TextMessage, []byte(text))
}

// CloseAtTime forces closure no later than t. A request later than an
// already scheduled deadline is ignored; an earlier one replaces it.
func (u *Upgrade) CloseAtTime(t time.Time, code int, reason string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeAtTimeLocked(t, code, reason)
}

// BeginTransaction marks the start of work a graceful shutdown must wait for.
func (u *Upgrade) BeginTransaction() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.txCount++
}

// EndTransaction marks the end of work started by BeginTransaction. When the
// last transaction ends during a graceful shutdown the channel is closed.
func (u *Upgrade) EndTransaction() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.txCount <= 0 {
		return ierrors.New(domainConn, "EndTransaction", ierrors.ErrUnbalancedTransaction, nil)
	}
	u.txCount--

	if u.txCount == 0 && u.softClosing && u.state != stateClosed {
		u.waitAcceptLocked()
		return u.sendErrorLocked("EndTransaction", http.StatusInternalServerError,
			wsproto.CloseServiceRestart, wsproto.ReasonShutdown)
	}
	return nil
}

// SoftClose is the shutdown coordinator's entry point. Without open
// transactions the channel closes immediately; otherwise closure waits for
// the last EndTransaction, bounded by deadline when it is non-zero.
func (u *Upgrade) SoftClose(deadline time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	if u.state == stateClosed {
		return
	}

	if u.txCount > 0 {
		u.softClosing = true
		if !deadline.IsZero() {
			u.closeAtTimeLocked(deadline, wsproto.CloseServiceRestart, wsproto.ReasonShutdown)
		}
		u.logger.Debug("soft close deferred", "transactions", u.txCount, "deadline", deadline)
		return
	}

	_ = u.sendErrorLocked("SoftClose", http.StatusInternalServerError,
		wsproto.CloseServiceRestart, wsproto.ReasonShutdown)
}

// Wait blocks until the facade leaves Pending or ctx is done. If ctx ends
// first the pending socket is destroyed.
func (u *Upgrade) Wait(ctx context.Context) error {
	select {
	case <-u.settled:
		return nil
	case <-ctx.Done():
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	if u.state == statePending {
		u.state = stateClosed
		u.stopTimerLocked()
		u.settle()
		if netConn, _, err := http.NewResponseController(u.w).Hijack(); err == nil {
			_ = netConn.Close()
		}
		u.logger.Debug("pending upgrade dropped", "error", ctx.Err())
	}
	return ctx.Err()
}

// sendErrorLocked performs the terminal transition of SendError.
func (u *Upgrade) sendErrorLocked(op string, httpStatus, closeCode int, message string) error {
	if u.state == stateClosed {
		return ierrors.New(domainConn, op, ierrors.ErrAlreadyClosed, nil)
	}
	if message == "" {
		message = statusText(httpStatus)
	}

	u.state = stateClosed
	u.stopTimerLocked()

	if u.ch != nil {
		if closeCode == 0 {
			closeCode = CloseCodeForStatus(httpStatus)
		}
		u.logger.Debug("closing channel", "op", op, "close_code", closeCode, "reason", message)
		if err := u.ch.Close(closeCode, message); err != nil {
			return ierrors.New(domainConn, op, ierrors.ErrInternal, err)
		}
		return nil
	}

	u.logger.Debug("rejecting upgrade", "op", op, "status", httpStatus)
	abortHandshake(u.w, httpStatus, message, u.header)
	u.settle()
	if u.hooks.Rejected != nil {
		u.hooks.Rejected(u, httpStatus)
	}
	return nil
}

func (u *Upgrade) closeAtTimeLocked(t time.Time, code int, reason string) {
	if u.state == stateClosed {
		return
	}
	if u.hasDeadline && !t.Before(u.closeTime) {
		return
	}
	u.hasDeadline = true
	u.closeTime = t
	u.closeCode = code
	u.closeReason = reason
	u.checkDeadlineLocked()
}

// checkDeadlineLocked closes the facade if its deadline passed, otherwise
// re-arms the timer for the remaining time capped at the recheck interval.
func (u *Upgrade) checkDeadlineLocked() {
	u.stopTimerLocked()
	if u.state == stateClosed || !u.hasDeadline {
		return
	}

	remaining := time.Until(u.closeTime)
	if remaining > 0 {
		u.closeTimer = time.AfterFunc(min(remaining, u.recheck), u.onDeadlineTimer)
		return
	}

	u.state = stateClosed
	if u.ch != nil {
		u.logger.Debug("close deadline reached", "close_code", u.closeCode, "reason", u.closeReason)
		_ = u.ch.Close(u.closeCode, u.closeReason)
		return
	}
	abortHandshake(u.w, http.StatusOK, wsproto.ReasonTimeLimit, u.header)
	u.settle()
	if u.hooks.Rejected != nil {
		u.hooks.Rejected(u, http.StatusOK)
	}
}

func (u *Upgrade) onDeadlineTimer() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.waitAcceptLocked()
	u.checkDeadlineLocked()
}

func (u *Upgrade) stopTimerLocked() {
	if u.closeTimer != nil {
		u.closeTimer.Stop()
		u.closeTimer = nil
	}
}

// waitAcceptLocked waits, with u.mu released, for an in-flight handshake to
// finish so that closing operations never race gorilla's hijack.
func (u *Upgrade) waitAcceptLocked() {
	for u.accepting != nil {
		inFlight := u.accepting
		u.mu.Unlock()
		<-inFlight
		u.mu.Lock()
	}
}

// settle closes the settled channel once.
func (u *Upgrade) settle() {
	select {
	case <-u.settled:
	default:
		close(u.settled)
	}
}

// watch is the only listener attached to the channel. It cleans up the
// close timer once the transport is gone and never reads messages.
func (u *Upgrade) watch(ch *Channel) {
	<-ch.Done()

	u.mu.Lock()
	u.stopTimerLocked()
	u.state = stateClosed
	u.mu.Unlock()

	u.logger.Debug("channel released")
	if u.hooks.Released != nil {
		u.hooks.Released(u)
	}
}

// String implements fmt.Stringer for logging.
func (u *Upgrade) String() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fmt.Sprintf("upgrade(%s, %s, %s)", u.id, u.origPath, u.state)
}
