package stabs

import (
	"fmt"
	"log/slog"
)

// Node is one node of the program tree. Addresses are offsets relative to
// the entry point of the program.
type Node struct {
	Type      StabType
	Name      string
	TypeID    string
	StartAddr uint32
	EndAddr   uint32
	Lineno    int
	Children  []*Node
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(type=%s, name='%s', typeid='%s', start_addr=0x%08x, end_addr=0x%08x, lineno=%d)",
		n.Type, n.Name, n.TypeID, n.StartAddr, n.EndAddr, n.Lineno)
}

// treeBuilder builds the program tree from the filtered records. The
// compiler emits the records in two different orders: local variables,
// register variables, nested functions and line tuples appear *before* the
// node that encloses them, so they are pushed onto a stack and drained when
// the enclosing function or scope begins. Function parameters and nested
// scopes appear in source order. The two stacks are explicit builder state,
// shared between the recursive invocations that create function and scope
// subtrees.
type treeBuilder struct {
	stabs         []Stab // reversed record stream, consumed from the end
	pendingLocals []*Node
	pendingFuncs  []*Node
	log           *slog.Logger
}

func newTreeBuilder(records []Stab, log *slog.Logger) *treeBuilder {
	reversed := make([]Stab, len(records))
	for i, stab := range records {
		reversed[len(records)-1-i] = stab
	}
	return &treeBuilder{stabs: reversed, log: log}
}

func (b *treeBuilder) pop() (Stab, bool) {
	if len(b.stabs) == 0 {
		return Stab{}, false
	}
	stab := b.stabs[len(b.stabs)-1]
	b.stabs = b.stabs[:len(b.stabs)-1]
	return stab, true
}

func (b *treeBuilder) pushBack(stab Stab) {
	b.stabs = append(b.stabs, stab)
}

func (b *treeBuilder) drainLocals(node *Node) {
	node.Children = append(node.Children, b.pendingLocals...)
	b.pendingLocals = nil
}

func (b *treeBuilder) drainFuncs(node *Node) {
	node.Children = append(node.Children, b.pendingFuncs...)
	b.pendingFuncs = nil
}

// buildAll creates the root node with one child per compilation unit.
func (b *treeBuilder) buildAll() (*Node, error) {
	root := &Node{Type: N_UNDF}
	for len(b.stabs) > 0 {
		node, err := b.build(0, false)
		if err != nil {
			return nil, err
		}
		if node.Type != N_SO {
			return nil, fmt.Errorf("%w: top-level node is not a compilation unit, type = %s", ErrMalformed, node.Type)
		}
		root.Children = append(root.Children, node)
	}
	return root, nil
}

// build creates one subtree: a compilation unit, a function, or a scope,
// depending on the first record it consumes. funcLineno is the line number
// of the enclosing function when building a scope; it decides whether a
// pending function belongs to that scope (nested function) or to the
// compilation unit.
func (b *treeBuilder) build(funcLineno int, haveFuncLineno bool) (*Node, error) {
	var node *Node
	// with a single compilation unit there may be no directory record
	srcdir := ""
	for {
		stab, ok := b.pop()
		if !ok {
			break
		}
		switch stab.Type {
		case N_SO:
			if node == nil {
				if len(stab.Str) > 0 && stab.Str[len(stab.Str)-1] == '/' {
					srcdir = stab.Str
				} else {
					node = &Node{Type: N_SO, Name: srcdir + stab.Str, StartAddr: stab.Value}
				}
				continue
			}
			// end of the current unit: the start of the next one becomes
			// this one's end address
			b.pushBack(stab)
			node.EndAddr = stab.Value
			b.drainFuncs(node)
			return node, nil

		case N_GSYM, N_STSYM, N_LCSYM:
			if node == nil {
				return nil, fmt.Errorf("%w: stab for global or file-scoped variable but no current node", ErrMalformed)
			}
			symbol, typeID := splitSymbol(stab.Str)
			node.Children = append(node.Children, &Node{Type: stab.Type, Name: symbol, TypeID: typeID, StartAddr: stab.Value})

		case N_LSYM, N_RSYM:
			// local or register variable, the scope record comes later.
			// For register variables the value is the register index,
			// 0..7 = D0..D7 and 8..15 = A0..A7.
			symbol, typeID := splitSymbol(stab.Str)
			b.pendingLocals = append(b.pendingLocals, &Node{Type: stab.Type, Name: symbol, TypeID: typeID, StartAddr: stab.Value})

		case N_PSYM:
			if node == nil {
				return nil, fmt.Errorf("%w: stab for function parameter but no current node", ErrMalformed)
			}
			symbol, typeID := splitSymbol(stab.Str)
			node.Children = append(node.Children, &Node{Type: stab.Type, Name: symbol, TypeID: typeID, StartAddr: stab.Value})

		case N_FUN:
			if node == nil {
				// we have just been called to create this function
				symbol, typeID := splitSymbol(stab.Str)
				node = &Node{Type: N_FUN, Name: symbol, TypeID: typeID, Lineno: int(stab.Desc), StartAddr: stab.Value}
				b.drainLocals(node)
				continue
			}
			b.pushBack(stab)
			switch node.Type {
			case N_FUN:
				// start of the next function ends this one
				node.EndAddr = stab.Value
				return node, nil
			case N_SO, N_LBRAC:
				child, err := b.build(0, false)
				if err != nil {
					return nil, err
				}
				if child.Type != N_FUN {
					return nil, fmt.Errorf("%w: N_FUN stab but created child is not a function, type = %s", ErrMalformed, child.Type)
				}
				b.pendingFuncs = append(b.pendingFuncs, child)
			default:
				return nil, fmt.Errorf("%w: N_FUN stab but current node is not any of N_FUN / N_SO / N_LBRAC", ErrMalformed)
			}

		case N_SLINE:
			// line / address tuple, the function record comes later
			b.pendingLocals = append(b.pendingLocals, &Node{Type: N_SLINE, Lineno: int(stab.Desc), StartAddr: stab.Value})

		case N_LBRAC:
			if node != nil {
				b.pushBack(stab)
				child, err := b.build(node.Lineno, true)
				if err != nil {
					return nil, err
				}
				if child.Type != N_LBRAC {
					return nil, fmt.Errorf("%w: N_LBRAC stab but created child is not a scope, type = %s", ErrMalformed, child.Type)
				}
				node.Children = append(node.Children, child)
				continue
			}
			// we have just been called to create this scope
			node = &Node{Type: N_LBRAC, Name: fmt.Sprintf("SCOPE@0x%08x", stab.Value), StartAddr: stab.Value}
			b.drainLocals(node)
			if !haveFuncLineno {
				return nil, fmt.Errorf("%w: N_LBRAC stab but line number of enclosing function is not set", ErrMalformed)
			}
			if len(b.pendingFuncs) > 0 && b.pendingFuncs[0].Lineno > funcLineno {
				// the pending function was declared inside this block
				b.drainFuncs(node)
			}

		case N_RBRAC:
			if node == nil {
				return nil, fmt.Errorf("%w: N_RBRAC stab without an open scope", ErrMalformed)
			}
			node.EndAddr = stab.Value
			return node, nil

		default:
			return nil, fmt.Errorf("%w: unexpected stab type %s in tree builder", ErrMalformed, stab.Type)
		}
	}

	if node == nil {
		return nil, fmt.Errorf("%w: record stream ended without producing a node", ErrMalformed)
	}
	if node.Type == N_SO {
		b.drainFuncs(node)
	}
	return node, nil
}

// dump logs the tree, mainly useful with verbose logging while chasing
// decoder problems.
func dump(node *Node, indent int, log *slog.Logger) {
	log.Debug(fmt.Sprintf("%*s%s", indent, "", node))
	for _, child := range node.Children {
		dump(child, indent+4, log)
	}
}
