package compress

import "sort"

// MakeCanonicalCode computes length-limited canonical prefix codes for the
// given symbol frequencies. Symbols with zero frequency get length zero.
// When the unrestricted Huffman tree exceeds maxLen, frequencies are halved
// and the tree is rebuilt until the limit holds.
func MakeCanonicalCode(freqs []uint32, maxLen uint, lens []byte, codewords []uint16) {
	f := make([]uint32, len(freqs))
	copy(f, freqs)

	for {
		buildTreeLens(f, lens)
		over := false
		for _, l := range lens {
			if uint(l) > maxLen {
				over = true
				break
			}
		}
		if !over {
			break
		}
		for i, v := range f {
			if v > 1 {
				f[i] = (v + 1) >> 1
			}
		}
	}

	assignCanonicalCodewords(lens, codewords)
}

// buildTreeLens fills lens with unrestricted Huffman code lengths.
func buildTreeLens(freqs []uint32, lens []byte) {
	type node struct {
		freq        uint32
		sym         int
		left, right int
	}

	for i := range lens {
		lens[i] = 0
	}

	nodes := make([]node, 0, 2*len(freqs))
	order := make([]int, 0, len(freqs))
	for sym, f := range freqs {
		if f != 0 {
			order = append(order, sym)
		}
	}
	switch len(order) {
	case 0:
		return
	case 1:
		lens[order[0]] = 1
		return
	}
	sort.Slice(order, func(i, j int) bool {
		if freqs[order[i]] != freqs[order[j]] {
			return freqs[order[i]] < freqs[order[j]]
		}
		return order[i] < order[j]
	})
	for _, sym := range order {
		nodes = append(nodes, node{freq: freqs[sym], sym: sym, left: -1, right: -1})
	}

	// Two-queue merge: leaves are pre-sorted, internal nodes are produced
	// in nondecreasing frequency order.
	leafHead := 0
	internHead := len(order)
	numLeaves := len(order)
	pick := func() int {
		if leafHead < numLeaves &&
			(internHead >= len(nodes) || nodes[leafHead].freq <= nodes[internHead].freq) {
			leafHead++
			return leafHead - 1
		}
		internHead++
		return internHead - 1
	}
	remaining := numLeaves
	for remaining > 1 {
		a := pick()
		b := pick()
		nodes = append(nodes, node{freq: nodes[a].freq + nodes[b].freq, sym: -1, left: a, right: b})
		remaining--
	}

	// Depth-first walk from the root assigning depths to leaves.
	type item struct {
		idx   int
		depth byte
	}
	stack := []item{{idx: len(nodes) - 1, depth: 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := nodes[it.idx]
		if n.sym >= 0 {
			lens[n.sym] = it.depth
			continue
		}
		stack = append(stack, item{n.left, it.depth + 1}, item{n.right, it.depth + 1})
	}
}

// assignCanonicalCodewords assigns codes in increasing (length, symbol)
// order.
func assignCanonicalCodewords(lens []byte, codewords []uint16) {
	maxLen := byte(0)
	for _, l := range lens {
		if l > maxLen {
			maxLen = l
		}
	}
	code := uint16(0)
	for l := byte(1); l <= maxLen; l++ {
		for sym, sl := range lens {
			if sl == l {
				codewords[sym] = code
				code++
			}
		}
		code <<= 1
	}
}

// Decoder decodes canonical prefix codes bit by bit.
type Decoder struct {
	counts    [17]uint16 // number of codes of each length
	first     [18]uint16 // first canonical code of each length
	offset    [18]uint16 // index of first symbol of each length in syms
	syms      []uint16   // symbols ordered by (length, symbol)
	maxLen    uint
	numUsed   int
	singleton int // the only coded symbol, or -1
}

// Init rebuilds the decoder from code lengths. An empty code (all lengths
// zero) is accepted; reading from it fails.
func (d *Decoder) Init(lens []byte, maxLen uint) error {
	for i := range d.counts {
		d.counts[i] = 0
	}
	d.maxLen = maxLen
	d.numUsed = 0
	d.singleton = -1
	for sym, l := range lens {
		if uint(l) > maxLen {
			return ErrCorrupt
		}
		if l != 0 {
			d.counts[l]++
			d.numUsed++
			d.singleton = sym
		}
	}
	if d.numUsed > 1 {
		d.singleton = -1
	}

	// Reject over-subscribed codes.
	left := uint32(1)
	for l := uint(1); l <= maxLen; l++ {
		left <<= 1
		if uint32(d.counts[l]) > left {
			return ErrCorrupt
		}
		left -= uint32(d.counts[l])
	}

	code := uint16(0)
	idx := uint16(0)
	for l := uint(1); l <= maxLen; l++ {
		d.first[l] = code
		d.offset[l] = idx
		code = (code + d.counts[l]) << 1
		idx += d.counts[l]
	}

	if cap(d.syms) < d.numUsed {
		d.syms = make([]uint16, d.numUsed)
	}
	d.syms = d.syms[:d.numUsed]
	next := d.offset
	for sym, l := range lens {
		if l != 0 {
			d.syms[next[l]] = uint16(sym)
			next[l]++
		}
	}
	return nil
}

// Empty reports whether no symbol has a code.
func (d *Decoder) Empty() bool {
	return d.numUsed == 0
}

// ReadSym decodes one symbol from r.
func (d *Decoder) ReadSym(r *BitReader) (int, error) {
	if d.singleton >= 0 {
		r.Bit()
		return d.singleton, nil
	}
	code := uint16(0)
	for l := uint(1); l <= d.maxLen; l++ {
		code = code<<1 | uint16(r.Bit())
		if rel := code - d.first[l]; rel < d.counts[l] {
			return int(d.syms[d.offset[l]+rel]), nil
		}
	}
	return 0, ErrCorrupt
}
