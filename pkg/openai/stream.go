package openai

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const maxFrameSize = 1 << 20

var (
	doneMarker = []byte("[DONE]")
	dataPrefix = []byte("data:")
)

// Stream decodes a text/event-stream response into frames of type T. Recv
// returns io.EOF after the [DONE] marker or when the body ends.
type Stream[T any] struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	done   bool
	closed bool
}

func newStream[T any](body io.ReadCloser) *Stream[T] {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Stream[T]{body: body, scanner: scanner}
}

// Recv blocks until the next frame is available.
func (s *Stream[T]) Recv() (T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.closed {
		return zero, io.EOF
	}

	var data []byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		switch {
		case len(line) == 0:
			// 空行结束一个事件
			if len(data) == 0 {
				continue
			}
			return s.decode(data)
		case line[0] == ':':
			continue
		case bytes.HasPrefix(line, dataPrefix):
			payload := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, payload...)
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.done = true
		return zero, fmt.Errorf("读取流式响应失败: %w", err)
	}
	if len(data) > 0 {
		return s.decode(data)
	}
	s.done = true
	return zero, io.EOF
}

func (s *Stream[T]) decode(data []byte) (T, error) {
	var zero T
	if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
		s.done = true
		return zero, io.EOF
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Error) > 0 && string(envelope.Error) != "null" {
		s.done = true
		return zero, &APIError{StatusCode: 200, Body: truncate(string(envelope.Error))}
	}

	var frame T
	if err := json.Unmarshal(data, &frame); err != nil {
		s.done = true
		return zero, fmt.Errorf("解析流式帧失败: %w", err)
	}
	return frame, nil
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// IsEOF reports whether err marks the normal end of a stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
