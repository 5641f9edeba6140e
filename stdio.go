package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdIO serves commands read as newline-delimited JSON from an io.Reader and writes each result as
// a newline-delimited StreamMessage to an io.Writer. It exposes the same capabilities as an SSEServer
// to a single local peer, such as a parent process talking over stdin/stdout.
//
// Commands run concurrently, so results may be written in a different order than the commands were
// read; the id of each StreamMessage tells them apart. Instances should be created using NewStdIO.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	router CapabilityRouter
	logger *slog.Logger

	writeMessages chan stdIOMessage
}

// StdIOOption represents the options for the StdIO.
type StdIOOption func(*StdIO)

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a StdIO that reads commands from reader, routes them through router and writes
// their results to writer.
func NewStdIO(reader io.Reader, writer io.Writer, router CapabilityRouter, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		router:        router,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger of the StdIO.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// Serve processes commands until the reader is exhausted or ctx is cancelled, then waits for the
// commands already running to write their results. It returns nil when the reader reaches EOF.
func (s *StdIO) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeClosed := make(chan struct{})
	go s.processWriteMessages(ctx, writeClosed)

	var wg sync.WaitGroup
	err := s.readCommands(ctx, func(cmd Command) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx, cmd)
		}()
	})

	wg.Wait()
	cancel()
	<-writeClosed

	return err
}

func (s *StdIO) readCommands(ctx context.Context, handle func(Command)) error {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)

	type lineWithErr struct {
		line string
		err  error
	}

	for {
		lines := make(chan lineWithErr, 1)

		// Reading happens in a goroutine so a slow reader does not keep us from noticing ctx.
		go func() {
			line, err := reader.ReadString('\n')
			lines <- lineWithErr{line: strings.TrimSpace(line), err: err}
		}()

		var lwe lineWithErr
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lwe = <-lines:
		}

		if lwe.line != "" {
			s.handleLine(ctx, lwe.line, handle)
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read command: %w", lwe.err)
		}
	}
}

func (s *StdIO) handleLine(ctx context.Context, line string, handle func(Command)) {
	var cmd Command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		s.logger.Error("failed to unmarshal command", "err", err)
		s.write(ctx, StreamMessage{
			Type:   MessageTypeResponse,
			Result: ErrorEnvelope(fmt.Sprintf("failed to decode command: %v", err)),
		})
		return
	}

	normalized, err := cmd.normalize()
	if err != nil {
		s.logger.Warn("rejected command", slog.String("err", err.Error()))
		s.write(ctx, StreamMessage{
			ID:     cmd.ID,
			Type:   MessageTypeResponse,
			Result: ErrorEnvelope(err.Error()),
		})
		return
	}

	handle(normalized)
}

func (s *StdIO) run(ctx context.Context, cmd Command) {
	env := s.router.Route(ctx, cmd)
	s.write(ctx, StreamMessage{
		ID:     cmd.ID,
		Type:   MessageTypeResponse,
		Result: env,
	})
}

func (s *StdIO) write(ctx context.Context, msg StreamMessage) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", "err", err)
		return
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so only one goroutine ever writes.
	select {
	case <-ctx.Done():
		s.logger.Warn("dropped message on shutdown", slog.String("id", string(msg.ID)))
		return
	case s.writeMessages <- ioMsg:
	}

	if err := <-ioMsg.errs; err != nil {
		s.logger.Error("failed to write message", slog.String("err", err.Error()))
	}
}

func (s *StdIO) processWriteMessages(ctx context.Context, closed chan<- struct{}) {
	defer close(closed)

	for {
		var msg stdIOMessage
		select {
		case <-ctx.Done():
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
