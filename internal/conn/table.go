package conn

import "sort"

// Table holds native and symbolic connections keyed by connection id.
// It is not safe for concurrent use; the router serializes access.
type Table struct {
	conns   map[string]Connection
	natives int
}

func NewTable() *Table {
	return &Table{conns: make(map[string]Connection)}
}

func (t *Table) Get(id string) (Connection, bool) {
	c, ok := t.conns[id]
	return c, ok
}

func (t *Table) Native(id string) (*Native, bool) {
	n, ok := t.conns[id].(*Native)
	return n, ok
}

func (t *Table) Symbolic(id string) (*Symbolic, bool) {
	s, ok := t.conns[id].(*Symbolic)
	return s, ok
}

// Insert adds c, replacing any connection with the same id.
// It returns the replaced connection, if any.
func (t *Table) Insert(c Connection) (replaced Connection) {
	replaced = t.remove(c.ID())
	t.conns[c.ID()] = c
	if _, ok := c.(*Native); ok {
		t.natives++
	}
	return replaced
}

func (t *Table) Remove(id string) (Connection, bool) {
	c := t.remove(id)
	return c, c != nil
}

// RemoveIf removes id only if it still maps to c.
func (t *Table) RemoveIf(c Connection) bool {
	if cur, ok := t.conns[c.ID()]; !ok || cur != c {
		return false
	}
	t.remove(c.ID())
	return true
}

func (t *Table) remove(id string) Connection {
	c, ok := t.conns[id]
	if !ok {
		return nil
	}
	delete(t.conns, id)
	if _, ok := c.(*Native); ok {
		t.natives--
	}
	return c
}

// SymbolicOwnedBy returns the symbolic connections whose owner is process.
func (t *Table) SymbolicOwnedBy(process string) []*Symbolic {
	var ret []*Symbolic
	for _, c := range t.conns {
		if s, ok := c.(*Symbolic); ok && s.owner == process {
			ret = append(ret, s)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].id < ret[j].id })
	return ret
}

func (t *Table) Symbolics() []*Symbolic {
	var ret []*Symbolic
	for _, c := range t.conns {
		if s, ok := c.(*Symbolic); ok {
			ret = append(ret, s)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].id < ret[j].id })
	return ret
}

func (t *Table) Natives() []*Native {
	ret := make([]*Native, 0, t.natives)
	for _, c := range t.conns {
		if n, ok := c.(*Native); ok {
			ret = append(ret, n)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID() < ret[j].ID() })
	return ret
}

func (t *Table) Len() int         { return len(t.conns) }
func (t *Table) NativeCount() int { return t.natives }
