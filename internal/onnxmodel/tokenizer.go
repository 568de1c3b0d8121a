package onnxmodel

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxCharsPerWord = 100

// ErrSequenceTooLong is returned by Encode when the text does not fit in
// seqLen tokens and truncation is off.
var ErrSequenceTooLong = errors.New("input too long for model")

// Tokenizer turns text into fixed-length model inputs.
type Tokenizer interface {
	Encode(text string, seqLen int, truncate bool) (ids []int64, attention []int64, err error)
}

// WordPieceTokenizer implements the uncased BERT/DistilBERT tokenizer:
// basic tokenization (clean, lowercase, strip accents, split punctuation)
// followed by greedy longest-match WordPiece.
type WordPieceTokenizer struct {
	vocab        map[string]int64
	lowerCase    bool
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
}

// LoadWordPieceTokenizer builds the tokenizer from vocab.txt (one token per line, id = line number).
func LoadWordPieceTokenizer(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimRight(sc.Text(), "\r\n")
		if token != "" {
			vocab[token] = idx
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return newTokenizerFromVocab(vocab)
}

// LoadTokenizerFromDir loads a tokenizer from vocab.txt or tokenizer.json.
func LoadTokenizerFromDir(dir string) (*WordPieceTokenizer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenizer dir is empty")
	}
	for _, path := range []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	} {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPieceTokenizer(path)
		}
	}
	for _, path := range []string{
		filepath.Join(dir, "tokenizer.json"),
		filepath.Join(dir, "tokenizer", "tokenizer.json"),
	} {
		if _, err := os.Stat(path); err == nil {
			return loadTokenizerFromJSON(path)
		}
	}
	return nil, fmt.Errorf("tokenizer assets not found in %s (vocab.txt or tokenizer.json)", dir)
}

func loadTokenizerFromJSON(path string) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var raw struct {
		Model struct {
			Type  string           `json:"type"`
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}
	if t := strings.TrimSpace(raw.Model.Type); t != "" && !strings.EqualFold(t, "WordPiece") {
		return nil, fmt.Errorf("tokenizer.json model type %q is not WordPiece", t)
	}
	if len(raw.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json missing vocab")
	}
	return newTokenizerFromVocab(raw.Model.Vocab)
}

func newTokenizerFromVocab(vocab map[string]int64) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{
		vocab:        vocab,
		lowerCase:    true,
		continuation: "##",
	}
	for _, special := range []struct {
		token string
		dst   *int64
	}{
		{"[CLS]", &t.clsID},
		{"[SEP]", &t.sepID},
		{"[PAD]", &t.padID},
		{"[UNK]", &t.unkID},
	} {
		id, ok := vocab[special.token]
		if !ok {
			return nil, fmt.Errorf("vocab missing special token %s", special.token)
		}
		*special.dst = id
	}
	return t, nil
}

// Encode converts text into token IDs and an attention mask of length seqLen.
// Input that needs more than seqLen tokens, [CLS] and [SEP] included, fails
// with ErrSequenceTooLong unless truncate is set, in which case the trailing
// pieces are dropped.
func (t *WordPieceTokenizer) Encode(text string, seqLen int, truncate bool) ([]int64, []int64, error) {
	if seqLen < 2 {
		return nil, nil, fmt.Errorf("seq len %d cannot hold [CLS] and [SEP]", seqLen)
	}

	pieces := t.Tokenize(text)
	if budget := seqLen - 2; len(pieces) > budget {
		if !truncate {
			return nil, nil, fmt.Errorf("%w: input has %d tokens, max %d", ErrSequenceTooLong, len(pieces)+2, seqLen)
		}
		pieces = pieces[:budget]
	}

	ids := make([]int64, seqLen)
	attn := make([]int64, seqLen)
	pos := 0
	put := func(id int64) {
		if pos < seqLen {
			ids[pos] = id
			attn[pos] = 1
			pos++
		}
	}
	put(t.clsID)
	for _, p := range pieces {
		put(p)
	}
	put(t.sepID)
	for ; pos < seqLen; pos++ {
		ids[pos] = t.padID
	}
	return ids, attn, nil
}

// Tokenize returns the WordPiece IDs of text without special tokens or padding.
func (t *WordPieceTokenizer) Tokenize(text string) []int64 {
	var out []int64
	for _, w := range t.basicTokens(text) {
		out = append(out, t.wordPiece(w)...)
	}
	return out
}

// basicTokens mirrors BERT's BasicTokenizer for the uncased vocabulary.
func (t *WordPieceTokenizer) basicTokens(text string) []string {
	text = cleanText(text)
	if t.lowerCase {
		text = stripAccents(strings.ToLower(text))
	}
	var out []string
	for _, word := range strings.Fields(text) {
		out = append(out, splitOnPunctuation(word)...)
	}
	return out
}

func (t *WordPieceTokenizer) wordPiece(token string) []int64 {
	if id, ok := t.vocab[token]; ok {
		return []int64{id}
	}
	if len([]rune(token)) > maxCharsPerWord {
		return []int64{t.unkID}
	}

	var pieces []int64
	start := 0
	for start < len(token) {
		end := len(token)
		found := false
		for end > start {
			sub := token[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, id)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			return []int64{t.unkID}
		}
	}
	return pieces
}

// cleanText drops NUL, U+FFFD and control characters, maps whitespace to a
// space, and pads CJK ideographs so each becomes its own word.
func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar:
			continue
		case r == '\t' || r == '\n' || r == '\r' || unicode.IsSpace(r):
			b.WriteByte(' ')
		case unicode.IsControl(r) || unicode.In(r, unicode.Cf):
			continue
		case isCJK(r):
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripAccents(text string) string {
	decomposed := norm.NFD.String(text)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitOnPunctuation(word string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range word {
		if isPunctuation(r) {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, string(r))
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// isPunctuation treats every non-alphanumeric ASCII symbol as punctuation, as BERT does.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
