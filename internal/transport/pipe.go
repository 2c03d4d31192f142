// Package transport provides the block transports: line-delimited JSON over
// named pipes or stdio, a watched spool directory, and a websocket stream
// broker client.
package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"varwire/internal/block"
	"varwire/internal/logging"
	"varwire/internal/runtime"
)

// Pipe exchanges one JSON object per line over a reader/writer pair: named
// pipes, stdio, or anything else stream-shaped. Each inbound line is either
// a batch (name -> block) or a single block object (recognized by its
// "type" key).
type Pipe struct {
	in  io.ReadCloser
	out io.Writer

	incomingPeriod time.Duration
	outgoingPeriod time.Duration

	batches chan *block.OrderedMap[*block.Block]
	stopCh  chan struct{}
}

// NewPipe builds a pipe transport over the given streams.
func NewPipe(in io.ReadCloser, out io.Writer) *Pipe {
	return &Pipe{
		in:      in,
		out:     out,
		batches: make(chan *block.OrderedMap[*block.Block], 16),
		stopCh:  make(chan struct{}),
	}
}

// OpenPipe opens a pipe transport on filesystem paths; "-" selects stdio.
func OpenPipe(inPath, outPath string) (*Pipe, error) {
	var in io.ReadCloser
	var out io.Writer
	if inPath == "-" {
		in = os.Stdin
	} else {
		f, err := os.OpenFile(inPath, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open input pipe %s: %w", inPath, err)
		}
		in = f
	}
	if outPath == "-" {
		out = os.Stdout
	} else {
		f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open output pipe %s: %w", outPath, err)
		}
		out = f
	}
	return NewPipe(in, out), nil
}

// SetPeriods overrides the default cadences. Zero keeps the default.
func (p *Pipe) SetPeriods(incoming, outgoing time.Duration) {
	p.incomingPeriod = incoming
	p.outgoingPeriod = outgoing
}

// Init starts the reader goroutine.
func (p *Pipe) Init(con *runtime.Connection) error {
	go p.readLoop()
	return nil
}

func (p *Pipe) readLoop() {
	scanner := bufio.NewScanner(p.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		batch, errs := decodeLine(line)
		for _, err := range errs {
			logging.Get(logging.CategoryTransport).Warn("pipe: %v", err)
		}
		if batch.Len() == 0 {
			continue
		}
		select {
		case p.batches <- batch:
		case <-p.stopCh:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logging.Get(logging.CategoryTransport).Warn("pipe reader stopped: %v", err)
	}
}

// decodeLine parses one line as a batch or a single block.
func decodeLine(line []byte) (*block.OrderedMap[*block.Block], []error) {
	var probe block.OrderedMap[json.RawMessage]
	if err := json.Unmarshal(line, &probe); err != nil {
		return block.NewOrderedMap[*block.Block](),
			[]error{&block.ProtocolError{Message: "line is not a JSON object", Cause: err}}
	}
	if _, isBlock := probe.Get("type"); isBlock {
		out := block.NewOrderedMap[*block.Block]()
		b := &block.Block{}
		if err := json.Unmarshal(line, b); err != nil {
			return out, []error{&block.ProtocolError{Message: "malformed block", Cause: err}}
		}
		if err := b.Validate(); err != nil {
			return out, []error{err}
		}
		if b.Name == "" {
			return out, []error{&block.ProtocolError{Message: "block without name"}}
		}
		out.Set(b.Name, b)
		return out, nil
	}
	return block.ParseBlocks(line)
}

// IncomingPeriod bounds a single GetUpdates wait.
func (p *Pipe) IncomingPeriod(con *runtime.Connection) time.Duration {
	if p.incomingPeriod > 0 {
		return p.incomingPeriod
	}
	return runtime.DefaultIncomingPeriod
}

// OutgoingPeriod paces the refresh cycle.
func (p *Pipe) OutgoingPeriod(con *runtime.Connection) time.Duration {
	if p.outgoingPeriod > 0 {
		return p.outgoingPeriod
	}
	return runtime.DefaultUpdatePeriod
}

// GetUpdates returns the next inbound batch, waiting up to the given bound.
func (p *Pipe) GetUpdates(con *runtime.Connection, wait time.Duration) (*block.OrderedMap[*block.Block], error) {
	select {
	case batch := <-p.batches:
		return batch, nil
	case <-p.stopCh:
		return nil, nil
	case <-time.After(wait):
		return nil, nil
	}
}

// SendUpdates writes the batch as a single JSON line.
func (p *Pipe) SendUpdates(con *runtime.Connection, batch *block.OrderedMap[json.RawMessage]) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if _, err := p.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("pipe write failed: %w", err)
	}
	return nil
}

// Close stops the reader and closes the input stream.
func (p *Pipe) Close() error {
	close(p.stopCh)
	return p.in.Close()
}

var _ runtime.Transport = (*Pipe)(nil)
