package topictree

// op is a single staged mutation: insert when sub is being added,
// remove otherwise.
type op struct {
	filter string
	sub    *Subscription
	insert bool
}

// Txn stages a batch of inserts/removes against a Tree so a
// multi-topic SUBSCRIBE, or a single UNSUBSCRIBE, either fully applies
// or fully rolls back. Nothing touches the tree until Commit.
type Txn struct {
	tree      *Tree
	ops       []op
	committed bool
}

// Begin starts a new transaction against t.
func (t *Tree) Begin() *Txn {
	return &Txn{tree: t}
}

// Insert stages an insert of sub at filter.
func (tx *Txn) Insert(filter string, sub *Subscription) {
	tx.ops = append(tx.ops, op{filter: filter, sub: sub, insert: true})
}

// Remove stages a removal of sub from filter.
func (tx *Txn) Remove(filter string, sub *Subscription) {
	tx.ops = append(tx.ops, op{filter: filter, sub: sub, insert: false})
}

// Commit applies every staged operation to the tree. It always
// succeeds for well-formed operations; the caller retains the Txn so
// that Rollback can still undo the commit if a subsequent step (e.g.
// encoding or writing the wire packet) fails.
func (tx *Txn) Commit() {
	for _, o := range tx.ops {
		if o.insert {
			tx.tree.insert(o.filter, o.sub)
		} else {
			tx.tree.remove(o.filter, o.sub)
		}
	}
	tx.committed = true
}

// Rollback undoes the transaction. If called before Commit, the
// staged operations are simply discarded. If called after Commit, the
// inverse of every operation is applied, in reverse order, restoring
// the tree to its pre-transaction state.
func (tx *Txn) Rollback() {
	if !tx.committed {
		tx.ops = nil
		return
	}
	for i := len(tx.ops) - 1; i >= 0; i-- {
		o := tx.ops[i]
		if o.insert {
			tx.tree.remove(o.filter, o.sub)
		} else {
			tx.tree.insert(o.filter, o.sub)
		}
	}
	tx.committed = false
	tx.ops = nil
}
