package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"varwire/internal/block"
	"varwire/internal/logging"
	"varwire/internal/varenv"
)

// DataKey pairs an inbound block key with the full name of the variable it
// declared, preserving block order for outgoing value assembly.
type DataKey struct {
	BlockKey string
	VarName  string
}

// MonitorData is the per-monitor state: the root variable, the declared
// child variables, the last inbound block, and the publish cadence.
type MonitorData struct {
	Name     string
	Root     *varenv.Var
	RootPath string

	Update       time.Duration
	Quiet        bool
	Disabled     bool
	Topics       []string
	UpdateTopics []string

	// Data caches the last applied JSON per block key.
	Data *block.OrderedMap[interface{}]
	// DataKeys preserves block order of (block key, var full name).
	DataKeys []DataKey
	// Vars maps variable name to its env entry.
	Vars map[string]*varenv.Var

	// Original is the last inbound block, echoed on outgoing assembly and
	// compared for deduplication.
	Original *block.Block

	// Rename, when set, is a variable whose current JSON value becomes the
	// outgoing block name.
	Rename *varenv.Var

	LastCheck time.Time
	Force     bool
}

// rootDeclaration builds the root variable's declaration string for a
// monitor rooted at path.
func rootDeclaration(name, path string) string {
	return fmt.Sprintf("%s?path=%s", name, path)
}

// monitorFrom looks up or creates the monitor state for an inbound block.
// When the block's root string changes, the existing root variable is
// rebound in place, preserving its id, level, and value.
func (c *Connection) monitorFrom(name string, b *block.Block) (isNew bool, mon *MonitorData, err error) {
	mon, ok := c.monitors[name]
	if ok {
		if mon.RootPath != b.Root {
			if err := c.env.Rebind(mon.Root, rootDeclaration(name, b.Root)); err != nil {
				return false, nil, err
			}
			mon.RootPath = b.Root
			logging.Monitor("monitor %s re-rooted to %s", name, b.Root)
		}
		return false, mon, nil
	}

	root, err := c.env.Ensure(rootDeclaration(name, b.Root), 0)
	if err != nil {
		return false, nil, err
	}
	mon = &MonitorData{
		Name:     name,
		Root:     root,
		RootPath: b.Root,
		Data:     block.NewOrderedMap[interface{}](),
		Vars:     make(map[string]*varenv.Var),
	}
	c.monitors[name] = mon
	logging.Monitor("monitor %s installed (root %s)", name, b.Root)
	return true, mon, nil
}

// findMonitorVars reconciles the monitor's variable set with an inbound
// block: declared keys are ensured under the root, children no longer
// referenced are unlinked (the Var object stays in the env until an explicit
// delete), and a disabled block removes the variables entirely.
func (c *Connection) findMonitorVars(isNew bool, mon *MonitorData, b *block.Block) error {
	mon.Quiet = b.Quiet
	mon.Update = b.UpdatePeriod(c.defaultUpdate)
	mon.Topics = b.Topics
	mon.UpdateTopics = b.UpdateTopics
	mon.Original = b

	if b.Disabled {
		if !mon.Disabled {
			for _, v := range mon.Vars {
				c.env.Remove(v)
			}
			mon.Vars = make(map[string]*varenv.Var)
			mon.DataKeys = nil
			mon.Rename = nil
			mon.Disabled = true
			logging.Monitor("monitor %s disabled", mon.Name)
		}
		return nil
	}
	if mon.Disabled {
		// Flipping back: variables are recreated below.
		mon.Disabled = false
		logging.Monitor("monitor %s re-enabled", mon.Name)
	}

	oldVars := mon.Vars
	mon.Vars = make(map[string]*varenv.Var)
	mon.DataKeys = mon.DataKeys[:0]

	for _, key := range b.ValueOrder {
		v, err := c.env.Ensure(key, mon.Root.ID)
		if err != nil {
			return err
		}
		mon.Vars[v.Name] = v
		mon.DataKeys = append(mon.DataKeys, DataKey{BlockKey: key, VarName: v.FullName})
		delete(oldVars, v.Name)
	}

	mon.Rename = nil
	if b.Rename != "" {
		rv, err := c.env.Ensure(b.Rename, mon.Root.ID)
		if err != nil {
			return err
		}
		mon.Rename = rv
		delete(oldVars, rv.Name)
	}

	// Children the block no longer references lose their link from the
	// root; the Var objects stay in the env until an explicit delete.
	for name := range oldVars {
		mon.Root.UnlinkChild(name)
	}
	return nil
}

// ingestMonitor applies an inbound monitor block. Runs on the refresh
// worker: it mutates the variable environment.
func (c *Connection) ingestMonitor(b *block.Block) error {
	isNew, mon, err := c.monitorFrom(b.Name, b)
	if err != nil {
		return err
	}
	if err := c.findMonitorVars(isNew, mon, b); err != nil {
		return err
	}
	if mon.Disabled {
		return nil
	}

	values, _ := b.Value.(map[string]interface{})
	for _, dk := range mon.DataKeys {
		inbound, ok := values[dk.BlockKey]
		if !ok {
			continue
		}
		v := c.env.ByFullName[dk.VarName]
		if v == nil {
			continue
		}
		mon.Data.Set(dk.BlockKey, inbound)

		hostValue := inbound
		if varenv.HasRefs(inbound) {
			hostValue = c.env.Deref(inbound)
		}
		if varenv.Same(v.JSONValue, inbound) {
			continue
		}
		if err := c.env.SetValue(v, hostValue, isNew); err != nil {
			logging.Get(logging.CategoryMonitor).Warn("monitor %s: set %s failed: %v",
				mon.Name, dk.BlockKey, err)
			continue
		}
		// Applied values must not echo straight back out: recompute the
		// variable untracked so the next tick sees no change, and drop any
		// pending changed entry. A brand-new monitor keeps its entries so
		// the initial snapshot propagates once.
		if !isNew {
			if err := c.env.Refresh([]*varenv.Var{v}, false, false); err == nil {
				delete(c.env.Changed, v.ID)
			}
		}
	}
	mon.Force = true
	return nil
}

// due reports whether the monitor's next tick has arrived.
func (m *MonitorData) due(now time.Time, defaultUpdate time.Duration) bool {
	if m.Force {
		return true
	}
	update := m.Update
	if update <= 0 {
		update = defaultUpdate
	}
	if m.LastCheck.IsZero() {
		return true
	}
	elapsed := now.Sub(m.LastCheck.Truncate(update))
	return elapsed >= update
}

// refreshMonitors refreshes every due monitor and assembles outgoing blocks
// for those with changes. Runs on the refresh worker.
func (c *Connection) refreshMonitors(now time.Time) error {
	for _, name := range sortedMonitorNames(c.monitors) {
		mon := c.monitors[name]
		if mon.Disabled || !mon.due(now, c.defaultUpdate) {
			continue
		}
		mon.Force = false
		mon.LastCheck = now

		vars := make([]*varenv.Var, 0, len(mon.Vars)+2)
		vars = append(vars, mon.Root)
		for _, dk := range mon.DataKeys {
			if v := c.env.ByFullName[dk.VarName]; v != nil {
				vars = append(vars, v)
			}
		}
		if mon.Rename != nil {
			vars = append(vars, mon.Rename)
		}
		if err := c.env.Refresh(vars, true, false); err != nil {
			return err
		}

		if !c.monitorChanged(mon) {
			continue
		}
		if mon.Quiet {
			// Quiet monitors refresh but never publish.
			continue
		}
		encoded, outName, err := c.assembleOutgoing(mon)
		if err != nil {
			logging.Get(logging.CategoryMonitor).Warn("monitor %s: assemble failed: %v", mon.Name, err)
			continue
		}
		c.outgoing.Set(outName, encoded)
		c.counters.blocksOut.Add(1)
		// Consume the changed entries this publish reported.
		for _, v := range vars {
			delete(c.env.Changed, v.ID)
		}
	}
	return nil
}

// monitorChanged reports whether any of the monitor's variables changed in
// the current refresh pass.
func (c *Connection) monitorChanged(mon *MonitorData) bool {
	if c.env.Changed[mon.Root.ID] {
		return true
	}
	for _, dk := range mon.DataKeys {
		if v := c.env.ByFullName[dk.VarName]; v != nil && c.env.Changed[v.ID] {
			return true
		}
	}
	if mon.Rename != nil && c.env.Changed[mon.Rename.ID] {
		return true
	}
	return false
}

// assembleOutgoing builds the outgoing monitor block: the inbound block's
// non-reserved keys verbatim and in order, then the injected reserved keys,
// then the ordered value object.
func (c *Connection) assembleOutgoing(mon *MonitorData) (json.RawMessage, string, error) {
	out := block.NewOrderedMap[interface{}]()
	if mon.Original != nil && mon.Original.Extra != nil {
		mon.Original.Extra.Each(func(k string, raw json.RawMessage) bool {
			out.Set(k, raw)
			return true
		})
	}

	outName := mon.Name
	if mon.Rename != nil && mon.Rename.JSONValue != nil {
		if s, ok := mon.Rename.JSONValue.(string); ok && s != "" {
			outName = s
		}
	}
	out.Set("name", outName)

	out.Set("root", mon.RootPath)
	if mon.Rename != nil {
		out.Set("rename", mon.Rename.JSONValue)
	}
	if mon.Update > 0 && mon.Update != c.defaultUpdate {
		out.Set("update", mon.Update.Seconds())
	}
	if mon.Quiet {
		out.Set("quiet", true)
	}
	if len(mon.UpdateTopics) > 0 {
		out.Set("updatetopics", mon.UpdateTopics)
	}

	value := block.NewOrderedMap[interface{}]()
	for _, dk := range mon.DataKeys {
		v := c.env.ByFullName[dk.VarName]
		if v == nil {
			continue
		}
		value.Set(dk.BlockKey, v.JSONValue)
	}
	out.Set("value", value)

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, "", err
	}
	return encoded, outName, nil
}

// deleteMonitor detaches a monitor and removes its variables from the env.
func (c *Connection) deleteMonitor(name string) {
	mon, ok := c.monitors[name]
	if !ok {
		return
	}
	for _, v := range mon.Vars {
		c.env.Remove(v)
	}
	if mon.Rename != nil {
		c.env.Remove(mon.Rename)
	}
	c.env.Remove(mon.Root)
	delete(c.monitors, name)
	logging.Monitor("monitor %s deleted", name)
}

func sortedMonitorNames(monitors map[string]*MonitorData) []string {
	names := make([]string, 0, len(monitors))
	for name := range monitors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
