package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// line-delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer pairs.
//
// StdIO is the single-session mode: it yields exactly one session for the lifetime of the
// process, with no session table and no admission control. The session ID is only used for
// logging and is never sent to the client. The session ends when the reader reaches EOF or
// when it is stopped.
//
// Instances should be created with NewStdIO.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	received      chan JSONRPCMessage
	writeMessages chan stdIOMessage

	stopOnce    *sync.Once
	done        chan struct{}
	eof         chan struct{}
	writeClosed chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: &stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			received:      make(chan JSONRPCMessage),
			writeMessages: make(chan stdIOMessage),
			stopOnce:      &sync.Once{},
			done:          make(chan struct{}),
			eof:           make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}

	go s.sess.processWriteMessages()

	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(slog.String("component", "stdio"))
	}
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single session, then waits until that session is stopped or its input is exhausted.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.readMessages()

		if !yield(s.sess) {
			return
		}

		select {
		case <-s.sess.done:
		case <-s.sess.eof:
		}
	}
}

// Shutdown implements the ServerTransport interface by stopping the session and waiting
// for the Sessions iterator to exit.
func (s StdIO) Shutdown(ctx context.Context) error {
	s.sess.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close stdio transport: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.received:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.writeClosed
}

// readMessages decodes one message per line until EOF. The blocking read cannot observe
// done, so the goroutine may outlive Stop until the reader is closed.
func (s *stdIOSession) readMessages() {
	defer close(s.eof)
	defer close(s.received)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)

		if line != "" {
			var msg JSONRPCMessage
			if uErr := json.Unmarshal([]byte(line), &msg); uErr != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", uErr.Error()))
			} else {
				select {
				case <-s.done:
					return
				case s.received <- msg:
				}
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
