package engine

// memBatch is a plain Go batch used by backends that manage native batching
// internally. It records tokens, positions and logit requests only.
type memBatch struct {
	tokens []int
	pos    []int
	logits []bool
}

func (b *memBatch) Add(token, pos int, wantLogits bool) {
	b.tokens = append(b.tokens, token)
	b.pos = append(b.pos, pos)
	b.logits = append(b.logits, wantLogits)
}

func (b *memBatch) Clear() {
	b.tokens = b.tokens[:0]
	b.pos = b.pos[:0]
	b.logits = b.logits[:0]
}

func (b *memBatch) NumTokens() int { return len(b.tokens) }

func (b *memBatch) Free() {}
