package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST on the same endpoint.
//
// Every established stream gets its own session, registered in a table keyed by a fresh
// session ID. The ID is announced to the client as the first event of the stream, and the
// client must attach it (query parameter sessionId or header Mcp-Session-Id) to every POST.
// A POST carrying a request returns only after the response with the same ID has been written
// to the owning stream.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no longer
// needed.
type SSEServer struct {
	endpoint string
	logger   *slog.Logger

	table    *sessionTable
	sessions chan *sseServerSession

	iterating    atomic.Bool
	shutdownOnce *sync.Once
	done         chan struct{}
	closed       chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	// state is guarded by the owning sessionTable's mutex.
	state   sessionState
	pending *pendingRequests

	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage

	teardown func(reason string)

	done       chan struct{}
	sendClosed chan struct{}
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

const (
	// SessionIDHeader is the request header a client may use instead of the sessionId query parameter.
	SessionIDHeader = "Mcp-Session-Id"

	sessionIDQueryParam = "sessionId"
)

// NewSSEServer creates a new SSE server that announces endpoint as the message URL of every
// session it establishes. The server is operational immediately; its handlers can be mounted
// before Sessions is consumed.
func NewSSEServer(endpoint string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		endpoint:     endpoint,
		logger:       slog.Default(),
		table:        newSessionTable(),
		sessions:     make(chan *sseServerSession),
		shutdownOnce: &sync.Once{},
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// Sessions returns an iterator over newly established client sessions. A session is yielded
// only after it is registered and its ID has been announced to the client. The iterator must
// be consumed by a single caller, and it exits when Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		s.iterating.Store(true)
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown tears down every live session and stops the Sessions iterator. It returns an error
// if ctx ends before the iterator has exited.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	for _, id := range s.table.ids() {
		s.teardown(id, "server shutdown")
	}

	if !s.iterating.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// SessionCount returns the number of sessions currently registered.
func (s *SSEServer) SessionCount() int {
	return s.table.len()
}

// ServeHTTP serves the streaming endpoint: GET establishes a session and POST routes a message
// to an established one.
func (s *SSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.HandleSSE().ServeHTTP(w, r)
	case http.MethodPost:
		s.HandleMessage().ServeHTTP(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleSSE returns an http.Handler for establishing SSE sessions over GET requests.
// The handler upgrades the connection, registers a session under a new ID, announces
// the message endpoint for that ID as an "endpoint" event, and keeps the stream open
// until the client disconnects or the session is stopped.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			pending:      newPendingRequests(),
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan JSONRPCMessage, 10),
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}
		srvSession.teardown = func(reason string) {
			s.teardown(sessID, reason)
		}

		// Register before announcing, so no POST for this ID can observe the table without it.
		s.table.insert(srvSession)
		go srvSession.processSendMessages()

		url := fmt.Sprintf("%s?%s=%s", s.endpoint, sessionIDQueryParam, sessID)
		msg := &sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(url)
		if err := srvSession.write(r.Context(), msg); err != nil {
			s.logger.Error("failed to announce session endpoint",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			s.teardown(sessID, "establishment failed")
			return
		}

		s.logger.Info("session established", slog.String("sessionID", sessID))

		select {
		case s.sessions <- srvSession:
		case <-s.done:
			s.teardown(sessID, "server shutdown")
			return
		case <-r.Context().Done():
			s.teardown(sessID, "client disconnected")
			return
		}

		// Block until the session is closed, so the connection is left open.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			s.teardown(sessID, "client disconnected")
		}
		<-srvSession.sendClosed
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects the session ID in the sessionId query parameter or the
// Mcp-Session-Id header, and a JSON-encoded message body. It replies 202 Accepted once
// the message is delivered, and for requests, once the response has been written to the
// session's stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get(sessionIDQueryParam)
		if sessID == "" {
			sessID = r.Header.Get(SessionIDHeader)
		}
		if sessID == "" {
			s.logger.Warn("missing session id")
			http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		err := s.route(r.Context(), sessID, msg)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, ErrUnknownSession):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrSessionClosed):
			http.Error(w, err.Error(), http.StatusGone)
		case errors.Is(err, errDuplicateRequestID):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.logger.Debug("client abandoned message", slog.String("sessionID", sessID))
		default:
			s.logger.Error("failed to route message",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// route delivers msg to the session's inbound stream. For requests it waits until the
// response carrying the same ID has been written, the session is torn down, or ctx ends.
func (s *SSEServer) route(ctx context.Context, sessID string, msg JSONRPCMessage) error {
	sess, err := s.table.lookup(sessID)
	if err != nil {
		return err
	}

	var waiter <-chan error
	if msg.isRequest() {
		waiter, err = sess.pending.add(msg.ID)
		if err != nil {
			return err
		}
		defer sess.pending.remove(msg.ID, waiter)
	}

	select {
	case <-sess.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case sess.receivedMsgs <- msg:
	}

	if waiter == nil {
		return nil
	}

	select {
	case err := <-waiter:
		return err
	case <-sess.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown removes the session from the table, releases its stream and waits for its writer
// to exit. Only the first call for an ID does anything.
func (s *SSEServer) teardown(sessID, reason string) {
	sess, ok := s.table.remove(sessID)
	if !ok {
		return
	}

	close(sess.done)
	<-sess.sendClosed
	s.table.markClosed(sess)

	s.logger.Info("session closed",
		slog.String("sessionID", sessID),
		slog.String("reason", reason))
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	err = s.write(ctx, sseMsg)
	if msg.isResponse() {
		s.pending.complete(msg.ID, err)
	}
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		}
		return err
	}
	return nil
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.teardown("stopped by server")
}

// write queues msg for the writer goroutine and waits for the outcome.
func (s *sseServerSession) write(ctx context.Context, msg *sse.Message) error {
	errs := make(chan error, 1)

	select {
	case s.sendMsgs <- sseServerSessionSendMsg{msg: msg, errs: errs}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processSendMessages is the only goroutine that writes to the stream.
func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// The select above may pick a queued message over a closed session.
			select {
			case <-s.done:
				sm.errs <- ErrSessionClosed
				return
			default:
			}

			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			sm.errs <- err
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				// teardown waits for this goroutine, so it cannot run inline.
				go s.teardown("transport error")
				return
			}
		case <-s.done:
			return
		}
	}
}
