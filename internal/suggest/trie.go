package suggest

// trieNode is one rune step in the term trie. childOrder preserves insertion
// order so walks are deterministic.
type trieNode struct {
	children   map[rune]*trieNode
	childOrder []rune
	terminal   bool
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[rune]*trieNode)}
}

// trie indexes the live term set for prefix walks. It is not safe for
// concurrent use; the Engine serialises access.
type trie struct {
	root *trieNode
}

func newTrie() *trie {
	return &trie{root: newTrieNode()}
}

func (t *trie) insert(term string) {
	node := t.root
	for _, ch := range term {
		child, ok := node.children[ch]
		if !ok {
			child = newTrieNode()
			node.children[ch] = child
			node.childOrder = append(node.childOrder, ch)
		}
		node = child
	}
	node.terminal = true
}

// remove unmarks term and prunes now-empty branches. Removing an absent
// term is a no-op.
func (t *trie) remove(term string) {
	runes := []rune(term)
	node := t.root
	for _, ch := range runes {
		child, ok := node.children[ch]
		if !ok {
			return
		}
		node = child
	}
	if !node.terminal {
		return
	}
	t.prune(t.root, runes, 0)
}

func (t *trie) prune(node *trieNode, runes []rune, depth int) bool {
	if depth == len(runes) {
		node.terminal = false
	} else {
		ch := runes[depth]
		child := node.children[ch]
		if t.prune(child, runes, depth+1) {
			delete(node.children, ch)
			for i, c := range node.childOrder {
				if c == ch {
					node.childOrder = append(node.childOrder[:i], node.childOrder[i+1:]...)
					break
				}
			}
		}
	}
	return !node.terminal && len(node.children) == 0
}

// walk collects up to max terms under prefix, breadth-first so shorter
// completions surface before longer ones.
func (t *trie) walk(prefix string, max int) []string {
	node := t.root
	for _, ch := range prefix {
		child, ok := node.children[ch]
		if !ok {
			return nil
		}
		node = child
	}

	type frame struct {
		node *trieNode
		term string
	}
	queue := []frame{{node, prefix}}
	var out []string
	for len(queue) > 0 && len(out) < max {
		cur := queue[0]
		queue = queue[1:]
		if cur.node.terminal {
			out = append(out, cur.term)
		}
		for _, ch := range cur.node.childOrder {
			queue = append(queue, frame{cur.node.children[ch], cur.term + string(ch)})
		}
	}
	return out
}
