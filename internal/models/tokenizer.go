package models

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Tokenizer is a byte-level BPE tokenizer loaded from a HuggingFace
// tokenizer.json.
type Tokenizer struct {
	vocab   map[string]int
	tokens  map[int]string
	special map[int]bool
	ranks   map[[2]string]int

	byteEncoder [256]rune
	byteDecoder map[rune]byte
}

type tokenizerFile struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Type   string          `json:"type"`
		Vocab  map[string]int  `json:"vocab"`
		Merges json.RawMessage `json:"merges"`
	} `json:"model"`
}

// LoadTokenizer reads a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTokenizer(data)
}

// ParseTokenizer builds a Tokenizer from tokenizer.json contents.
func ParseTokenizer(data []byte) (*Tokenizer, error) {
	var tf tokenizerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing tokenizer: %w", err)
	}
	if tf.Model.Type != "" && tf.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tf.Model.Type)
	}
	if len(tf.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer has an empty vocabulary")
	}

	merges, err := parseMerges(tf.Model.Merges)
	if err != nil {
		return nil, err
	}

	t := &Tokenizer{
		vocab:       make(map[string]int, len(tf.Model.Vocab)+len(tf.AddedTokens)),
		tokens:      make(map[int]string, len(tf.Model.Vocab)+len(tf.AddedTokens)),
		special:     make(map[int]bool),
		ranks:       make(map[[2]string]int, len(merges)),
		byteDecoder: make(map[rune]byte, 256),
	}
	for tok, id := range tf.Model.Vocab {
		t.vocab[tok] = id
		t.tokens[id] = tok
	}
	for _, at := range tf.AddedTokens {
		t.vocab[at.Content] = at.ID
		t.tokens[at.ID] = at.Content
		if at.Special {
			t.special[at.ID] = true
		}
	}
	for i, m := range merges {
		t.ranks[m] = i
	}

	t.byteEncoder = byteLevelAlphabet()
	for b, r := range t.byteEncoder {
		t.byteDecoder[r] = byte(b)
	}
	return t, nil
}

func parseMerges(raw json.RawMessage) ([][2]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var joined []string
	if err := json.Unmarshal(raw, &joined); err == nil {
		out := make([][2]string, 0, len(joined))
		for _, m := range joined {
			a, b, ok := strings.Cut(m, " ")
			if !ok {
				return nil, fmt.Errorf("malformed merge %q", m)
			}
			out = append(out, [2]string{a, b})
		}
		return out, nil
	}
	var pairs [][2]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("parsing merges: %w", err)
	}
	return pairs, nil
}

// byteLevelAlphabet maps every byte to a printable rune, leaving the
// printable Latin-1 ranges as themselves.
func byteLevelAlphabet() [256]rune {
	var table [256]rune
	var assigned [256]bool
	for _, rg := range [][2]int{{'!', '~'}, {'¡', '¬'}, {'®', 'ÿ'}} {
		for b := rg[0]; b <= rg[1]; b++ {
			table[b] = rune(b)
			assigned[b] = true
		}
	}
	n := 0
	for b := 0; b < 256; b++ {
		if !assigned[b] {
			table[b] = rune(256 + n)
			n++
		}
	}
	return table
}

// VocabSize returns the highest token id plus one.
func (t *Tokenizer) VocabSize() int {
	maxID := -1
	for id := range t.tokens {
		maxID = max(maxID, id)
	}
	return maxID + 1
}

// TokenID looks up the id of an exact token string.
func (t *Tokenizer) TokenID(token string) (int, bool) {
	id, ok := t.vocab[token]
	return id, ok
}

// IsSpecial reports whether id is a special added token.
func (t *Tokenizer) IsSpecial(id int) bool {
	return t.special[id]
}

// Encode converts text to token ids.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range splitWords(text) {
		var sb strings.Builder
		for _, b := range []byte(word) {
			sb.WriteRune(t.byteEncoder[b])
		}
		for _, piece := range t.bpe(sb.String()) {
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// bpe applies merges in rank order until no ranked pair remains.
func (t *Tokenizer) bpe(word string) []string {
	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	for len(symbols) > 1 {
		best, bestRank := -1, 0
		for i := 0; i+1 < len(symbols); i++ {
			rank, ok := t.ranks[[2]string{symbols[i], symbols[i+1]}]
			if ok && (best < 0 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		merged := symbols[best] + symbols[best+1]
		symbols = append(symbols[:best+1], symbols[best+2:]...)
		symbols[best] = merged
	}
	return symbols
}

// Decode converts ids back to text. Special tokens are dropped when
// skipSpecial is set; unknown ids are ignored.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) string {
	var buf []byte
	for _, id := range ids {
		tok, ok := t.tokens[id]
		if !ok {
			continue
		}
		if t.special[id] {
			if !skipSpecial {
				buf = append(buf, tok...)
			}
			continue
		}
		for _, r := range tok {
			if b, ok := t.byteDecoder[r]; ok {
				buf = append(buf, b)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return strings.ToValidUTF8(string(buf), "�")
}

var contractions = []string{"'s", "'t", "'re", "'ve", "'m", "'ll", "'d"}

// splitWords pre-tokenizes text the way GPT-2 style byte-level BPE expects:
// contractions, letter runs, digit runs and punctuation runs each take an
// optional leading space, and a whitespace run leaves its last space to the
// following word.
func splitWords(text string) []string {
	rs := []rune(text)
	var words []string
	i := 0
	for i < len(rs) {
		if rs[i] == '\'' {
			if c := matchContraction(rs[i:]); c > 0 {
				words = append(words, string(rs[i:i+c]))
				i += c
				continue
			}
		}

		start := i
		j := i
		if rs[j] == ' ' && j+1 < len(rs) && !unicode.IsSpace(rs[j+1]) {
			j++
		}
		switch {
		case unicode.IsLetter(rs[j]):
			for j < len(rs) && unicode.IsLetter(rs[j]) {
				j++
			}
		case unicode.IsNumber(rs[j]):
			for j < len(rs) && unicode.IsNumber(rs[j]) {
				j++
			}
		case !unicode.IsSpace(rs[j]):
			for j < len(rs) && isPunct(rs[j]) {
				j++
			}
		default:
			for j < len(rs) && unicode.IsSpace(rs[j]) {
				j++
			}
			// Leave one space for the next word when one follows.
			if j < len(rs) && j-start > 1 {
				j--
			}
		}
		words = append(words, string(rs[start:j]))
		i = j
	}
	return words
}

func isPunct(r rune) bool {
	return !unicode.IsSpace(r) && !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

func matchContraction(rs []rune) int {
	for _, c := range contractions {
		cr := []rune(c)
		if len(rs) < len(cr) {
			continue
		}
		if string(rs[:len(cr)]) == c {
			return len(cr)
		}
	}
	return 0
}
