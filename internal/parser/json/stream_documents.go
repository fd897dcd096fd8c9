package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotObject is reported for top-level values that are not objects.
var ErrNotObject = errors.New("json: value is not an object")

// Document is one top-level JSON object. Index counts emitted documents
// from zero.
type Document struct {
	Index int
	Value map[string]any
}

// Options controls StreamDocuments.
type Options struct {
	// Lines reads one JSON value per line (JSON Lines). A malformed line is
	// reported and skipped instead of ending the stream.
	Lines bool
}

// StreamDocuments parses r and sends every document to out. Numbers are
// decoded as json.Number.
//
// Streaming behavior:
//   - A root object is one document.
//   - A root array is streamed element by element.
//   - Several root values may follow each other (concatenated JSON, JSONL).
//   - null values are skipped; other non-object values are reported through
//     onParseErr with ErrNotObject and skipped.
//
// Without opts.Lines a syntax error is reported and returned. pos is the
// 1-based line number in line mode and the 1-based position of the value
// otherwise.
func StreamDocuments(
	ctx context.Context,
	r io.Reader,
	opts Options,
	out chan<- Document,
	onParseErr func(pos int, err error),
) error {
	s := &streamer{ctx: ctx, out: out, onParseErr: onParseErr}
	if opts.Lines {
		return s.lines(r)
	}
	return s.values(r)
}

type streamer struct {
	ctx        context.Context
	out        chan<- Document
	onParseErr func(pos int, err error)
	next       int
}

func (s *streamer) report(pos int, err error) {
	if s.onParseErr != nil {
		s.onParseErr(pos, err)
	}
}

func (s *streamer) emit(obj map[string]any) error {
	select {
	case s.out <- Document{Index: s.next, Value: obj}:
		s.next++
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// accept emits objects and reports anything else except null.
func (s *streamer) accept(pos int, v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return s.emit(x)
	default:
		s.report(pos, fmt.Errorf("%w (got %T)", ErrNotObject, v))
		return nil
	}
}

func (s *streamer) values(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	pos := 0

	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		pos++
		if err != nil {
			s.report(pos, err)
			return fmt.Errorf("json: read value %d: %w", pos, err)
		}

		switch tok {
		case json.Delim('['):
			// Root array: every element counts as a value, the array does not.
			pos--
			for dec.More() {
				pos++
				var raw any
				if err := dec.Decode(&raw); err != nil {
					s.report(pos, err)
					return fmt.Errorf("json: decode array element %d: %w", pos, err)
				}
				if err := s.accept(pos, raw); err != nil {
					return err
				}
			}
			if end, err := dec.Token(); err != nil {
				return fmt.Errorf("json: read array end: %w", err)
			} else if end != json.Delim(']') {
				return fmt.Errorf("json: expected array end ']', got %v", end)
			}

		case json.Delim('{'):
			v, err := materializeValueFromFirstToken(dec, tok)
			if err != nil {
				s.report(pos, err)
				return err
			}
			if err := s.emit(v.(map[string]any)); err != nil {
				return err
			}

		default:
			if err := s.accept(pos, tok); err != nil {
				return err
			}
		}
	}
}

func (s *streamer) lines(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1<<20)
	lineNo := 0

	for {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if err := s.line(lineNo, line); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("json: read line %d: %w", lineNo+1, readErr)
		}
	}
}

func (s *streamer) line(lineNo int, line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		s.report(lineNo, err)
		return nil
	}
	if dec.More() {
		s.report(lineNo, fmt.Errorf("json: trailing data after value at offset %d", dec.InputOffset()))
		return nil
	}
	if arr, ok := raw.([]any); ok {
		for _, it := range arr {
			if err := s.accept(lineNo, it); err != nil {
				return err
			}
		}
		return nil
	}
	return s.accept(lineNo, raw)
}

// materializeValueFromFirstToken builds a Go value for the current JSON value,
// given the first token has already been read.
func materializeValueFromFirstToken(dec *json.Decoder, tok any) (any, error) {
	if d, ok := tok.(json.Delim); ok {
		switch d {
		case '{':
			m := make(map[string]any)
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("json: read nested object key: %w", err)
				}
				k, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("json: nested object key not string (got %T)", kt)
				}
				vt, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("json: read nested object value token: %w", err)
				}
				v, err := materializeValueFromFirstToken(dec, vt)
				if err != nil {
					return nil, err
				}
				m[k] = v
			}
			end, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object end: %w", err)
			}
			if end != json.Delim('}') {
				return nil, fmt.Errorf("json: expected '}', got %v", end)
			}
			return m, nil

		case '[':
			arr := []any{}
			for dec.More() {
				vt, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("json: read nested array value token: %w", err)
				}
				v, err := materializeValueFromFirstToken(dec, vt)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			end, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested array end: %w", err)
			}
			if end != json.Delim(']') {
				return nil, fmt.Errorf("json: expected ']', got %v", end)
			}
			return arr, nil

		default:
			return nil, fmt.Errorf("json: unexpected delimiter %q", d)
		}
	}

	// scalar token
	return tok, nil
}
