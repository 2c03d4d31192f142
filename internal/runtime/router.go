package runtime

import (
	"context"
	"reflect"
	"sort"

	"varwire/internal/block"
	"varwire/internal/logging"
)

// Evaluator executes a code block's text. The runtime treats the language
// as opaque; a callable result is installed as a reducer.
type Evaluator interface {
	Evaluate(language, text string) (interface{}, error)
}

// Reducer folds an inbound value into an aggregate. Callables returned by
// code blocks are adapted to this shape.
type Reducer func(value interface{}) (interface{}, error)

// dispatchBatch routes an incoming batch. Handlers run in lexicographic name
// order for deterministic replay. A failing block is warned and skipped; the
// rest of the batch proceeds. Runs on the command worker; env mutations hop
// to the refresh worker.
func (c *Connection) dispatchBatch(ctx context.Context, batch *block.OrderedMap[*block.Block]) {
	names := append([]string(nil), batch.Keys()...)
	sort.Strings(names)
	for _, name := range names {
		b, _ := batch.Get(name)
		if b == nil {
			continue
		}
		if !b.AppliesTo(c.subscriberID) {
			continue
		}
		if err := c.dispatch(ctx, b); err != nil {
			logging.Get(logging.CategoryBlock).Warn("block %s (%s) failed: %v", b.Name, b.Type, err)
			c.counters.blockErrors.Add(1)
		}
	}
}

// dispatch routes one block by type.
func (c *Connection) dispatch(ctx context.Context, b *block.Block) error {
	c.counters.blocksIn.Add(1)
	logging.BlockDebug("dispatch %s %q", b.Type, b.Name)
	switch b.Type {
	case block.TypeMonitor:
		return c.handleMonitor(ctx, b)
	case block.TypeCode:
		return c.handleCode(ctx, b)
	case block.TypeData:
		return c.handleData(ctx, b)
	case block.TypeDelete:
		return c.handleDelete(ctx, b)
	default:
		return &block.ProtocolError{Block: b.Name, Message: "unknown block type " + b.Type}
	}
}

// handleMonitor ingests a monitor block unless it is an exact duplicate of
// the last one with the same name.
func (c *Connection) handleMonitor(ctx context.Context, b *block.Block) error {
	if mon, ok := c.monitors[b.Name]; ok && b.SameAs(mon.Original) {
		logging.BlockDebug("monitor %s: duplicate block dropped", b.Name)
		return nil
	}
	return c.refresh.Sync(ctx, func(context.Context) error {
		return c.ingestMonitor(b)
	})
}

// handleCode hands the block text to the evaluator. A callable result is
// installed as a reducer under the block name; with return set, the result
// is published as a data block bearing the code block's name and topics.
func (c *Connection) handleCode(ctx context.Context, b *block.Block) error {
	if c.evaluator == nil {
		logging.Get(logging.CategoryEval).Warn("code block %s dropped: no evaluator", b.Name)
		return nil
	}
	text, _ := b.Value.(string)
	result, err := c.evaluator.Evaluate(b.Language, text)
	if err != nil {
		return err
	}

	if r := asReducer(result); r != nil {
		c.reducers[b.Name] = r
		logging.Eval("installed reducer %q", b.Name)
		return nil
	}

	if b.Return {
		out := block.New(block.TypeData, b.Name)
		out.Origin = c.Name
		out.Topics = b.Topics
		out.Value = result
		out.HasValue = true
		encoded, err := out.Encode()
		if err != nil {
			return err
		}
		return c.refresh.Sync(ctx, func(context.Context) error {
			c.outgoing.Set(b.Name, encoded)
			c.counters.blocksOut.Add(1)
			return nil
		})
	}
	return nil
}

// handleData caches the block for dedup and delete; a block identical to the
// cached one is a no-op. A reducer installed under the block's name folds
// the value before it is cached.
func (c *Connection) handleData(ctx context.Context, b *block.Block) error {
	if prev, ok := c.dataBlocks[b.Name]; ok && b.SameAs(prev) {
		logging.BlockDebug("data %s: duplicate block dropped", b.Name)
		return nil
	}
	if r, ok := c.reducers[b.Name]; ok {
		folded, err := r(b.Value)
		if err != nil {
			return err
		}
		b.Value = folded
	}
	c.dataBlocks[b.Name] = b
	return nil
}

// handleDelete removes the named (or tagged) entries from the data cache and
// the monitor table; a deleted monitor's variables leave the env.
func (c *Connection) handleDelete(ctx context.Context, b *block.Block) error {
	names, tags, err := b.DeleteSpec()
	if err != nil {
		return err
	}
	for _, tag := range tags {
		for name, db := range c.dataBlocks {
			if db.Tags.Contains(tag) {
				names = append(names, name)
			}
		}
		for name, mon := range c.monitors {
			if mon.Original != nil && mon.Original.Tags.Contains(tag) {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	for _, name := range names {
		delete(c.dataBlocks, name)
		if _, ok := c.monitors[name]; ok {
			name := name
			if err := c.refresh.Sync(ctx, func(context.Context) error {
				c.deleteMonitor(name)
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// asReducer adapts a callable evaluation result. Funcs of one argument that
// return a value (and optionally an error) qualify.
func asReducer(result interface{}) Reducer {
	if result == nil {
		return nil
	}
	if r, ok := result.(Reducer); ok {
		return r
	}
	if r, ok := result.(func(interface{}) (interface{}, error)); ok {
		return Reducer(r)
	}
	if r, ok := result.(func(interface{}) interface{}); ok {
		return func(v interface{}) (interface{}, error) { return r(v), nil }
	}
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Func {
		return nil
	}
	rt := rv.Type()
	if rt.NumIn() != 1 || rt.NumOut() < 1 || rt.IsVariadic() {
		return nil
	}
	return func(v interface{}) (out interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &block.ProtocolError{Message: "reducer panicked"}
			}
		}()
		var in reflect.Value
		if v == nil {
			in = reflect.Zero(rt.In(0))
		} else {
			av := reflect.ValueOf(v)
			if !av.Type().AssignableTo(rt.In(0)) {
				return nil, &block.ProtocolError{Message: "reducer argument mismatch"}
			}
			in = av
		}
		results := rv.Call([]reflect.Value{in})
		if len(results) > 1 {
			if e, ok := results[len(results)-1].Interface().(error); ok && e != nil {
				return nil, e
			}
		}
		return results[0].Interface(), nil
	}
}
