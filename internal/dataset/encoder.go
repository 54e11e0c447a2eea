// Package dataset encodes labelled text into fixed-width symbol sequences and
// loads the encoded splits used by training, evaluation and the attack.
//
// Every example occupies exactly CharLen symbols. The text is split on
// whitespace into at most seqLen words; each word gets a slot of wordLen+3
// symbols laid out as
//
//	BOW c1 .. ck EOW PAD .. PAD SPACE
//
// with words longer than wordLen truncated. Unused word slots are all PAD and
// the final symbol is EOS. Characters are their code points; anything outside
// the vocabulary maps to Unknown.
package dataset

import (
	"fmt"
	"strings"
)

// Structural and reserved symbols.
const (
	PAD     = 0
	BOW     = 2
	EOW     = 3
	EOS     = 4
	Unknown = 0x1A
	Space   = ' '
)

// Encoder maps text to fixed-slot symbol sequences and back.
type Encoder struct {
	seqLen    int
	wordLen   int
	vocabSize int
}

// NewEncoder creates an encoder for seqLen words of up to wordLen characters.
func NewEncoder(seqLen, wordLen, vocabSize int) (*Encoder, error) {
	if seqLen < 1 || wordLen < 1 {
		return nil, fmt.Errorf("seqlen and wordlen must be positive (got %d, %d)", seqLen, wordLen)
	}
	if vocabSize <= Space {
		return nil, fmt.Errorf("vocab size %d cannot hold the space symbol", vocabSize)
	}
	return &Encoder{seqLen: seqLen, wordLen: wordLen, vocabSize: vocabSize}, nil
}

// CharLen is the encoded length: seqLen*(wordLen+2+1)+1.
func (e *Encoder) CharLen() int { return CharLen(e.seqLen, e.wordLen) }

// CharLen computes the encoded sequence length for the given geometry.
func CharLen(seqLen, wordLen int) int {
	return seqLen*(wordLen+2+1) + 1
}

// SlotWidth is the number of symbols per word slot.
func (e *Encoder) SlotWidth() int { return e.wordLen + 3 }

// VocabSize returns the size of the symbol alphabet.
func (e *Encoder) VocabSize() int { return e.vocabSize }

// StructuralSymbols returns the layout symbols that an attack must neither
// overwrite nor introduce.
func (e *Encoder) StructuralSymbols() []int {
	return []int{PAD, BOW, EOW, EOS, Space}
}

// Encode lays text out into exactly CharLen symbols.
func (e *Encoder) Encode(text string) []int {
	seq := make([]int, e.CharLen())
	width := e.SlotWidth()

	words := strings.Fields(text)
	if len(words) > e.seqLen {
		words = words[:e.seqLen]
	}
	for i, w := range words {
		slot := seq[i*width : (i+1)*width]
		slot[0] = BOW
		k := 0
		for _, r := range w {
			if k == e.wordLen {
				break
			}
			slot[1+k] = e.symbol(r)
			k++
		}
		slot[1+k] = EOW
		slot[width-1] = Space
	}
	seq[len(seq)-1] = EOS
	return seq
}

func (e *Encoder) symbol(r rune) int {
	if r < 0 || int(r) >= e.vocabSize || r == Space {
		return Unknown
	}
	switch int(r) {
	case PAD, BOW, EOW, EOS:
		return Unknown
	}
	return int(r)
}

// Decode renders a sequence back into words. Structural symbols are dropped and
// word slots are joined with single spaces; a perturbed sequence decodes to the
// characters it actually holds.
func (e *Encoder) Decode(seq []int) string {
	width := e.SlotWidth()
	var words []string
	for i := 0; i+width <= len(seq) && i/width < e.seqLen; i += width {
		var b strings.Builder
		for _, s := range seq[i : i+width] {
			switch s {
			case PAD, BOW, EOW, EOS, Space:
				continue
			}
			b.WriteRune(rune(s))
		}
		if b.Len() > 0 {
			words = append(words, b.String())
		}
	}
	return strings.Join(words, " ")
}

// Check verifies that seq has the encoded length and only in-vocabulary symbols.
func (e *Encoder) Check(seq []int) error {
	if len(seq) != e.CharLen() {
		return fmt.Errorf("sequence length %d, want %d", len(seq), e.CharLen())
	}
	for i, s := range seq {
		if s < 0 || s >= e.vocabSize {
			return fmt.Errorf("symbol %d at position %d outside [0,%d)", s, i, e.vocabSize)
		}
	}
	return nil
}
