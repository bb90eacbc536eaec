package embeddings

import (
	"bufio"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// Tokenizer is the byte-level BPE tokenizer used by CLIP text encoders.
type Tokenizer struct {
	encoder     map[string]int
	bpeRanks    map[[2]string]int
	pat         *regexp.Regexp
	byteEncoder map[byte]rune

	mu    sync.Mutex
	cache map[string]string
}

type tokenizerFile struct {
	Model struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges any            `json:"merges"`
	} `json:"model"`
}

// LoadTokenizer loads a tokenizer from dir, preferring vocab.json+merges.txt
// and falling back to a Hugging Face tokenizer.json.
func LoadTokenizer(dir string) (*Tokenizer, error) {
	vocabPath := filepath.Join(dir, "vocab.json")
	mergesPath := filepath.Join(dir, "merges.txt")

	if fileExists(vocabPath) && fileExists(mergesPath) {
		return NewTokenizerFromVocabMerges(vocabPath, mergesPath)
	}

	tokenizerJSONPath := filepath.Join(dir, "tokenizer.json")
	if fileExists(tokenizerJSONPath) {
		return NewTokenizerFromJSON(tokenizerJSONPath)
	}

	return nil, fmt.Errorf("clip tokenizer not found in %s (expected vocab.json+merges.txt or tokenizer.json)", dir)
}

// NewTokenizerFromVocabMerges loads the original CLIP vocabulary files.
func NewTokenizerFromVocabMerges(vocabPath, mergesPath string) (*Tokenizer, error) {
	vb, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("read vocab.json: %w", err)
	}

	var enc map[string]int
	if err := json.Unmarshal(vb, &enc); err != nil {
		return nil, fmt.Errorf("parse vocab.json: %w", err)
	}

	ranks, err := loadMergesFile(mergesPath)
	if err != nil {
		return nil, err
	}

	return NewTokenizer(enc, ranks), nil
}

// NewTokenizerFromJSON loads a BPE model from a tokenizer.json file.
func NewTokenizerFromJSON(path string) (*Tokenizer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tok tokenizerFile
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}

	if strings.ToLower(tok.Model.Type) != "bpe" {
		return nil, fmt.Errorf("tokenizer.json model.type=%q (expected BPE)", tok.Model.Type)
	}

	if len(tok.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json has empty vocab")
	}

	merges, err := normalizeMerges(tok.Model.Merges)
	if err != nil {
		return nil, err
	}

	ranks := make(map[[2]string]int, len(merges))
	for i, m := range merges {
		parts := strings.SplitN(strings.TrimSpace(m), " ", 2)
		if len(parts) != 2 {
			continue
		}
		ranks[[2]string{parts[0], parts[1]}] = i
	}

	return NewTokenizer(tok.Model.Vocab, ranks), nil
}

// NewTokenizer builds a tokenizer from a vocabulary and merge ranks.
func NewTokenizer(enc map[string]int, ranks map[[2]string]int) *Tokenizer {
	pat := regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]+|[^\s\p{L}\p{N}]+`)

	return &Tokenizer{
		encoder:     enc,
		bpeRanks:    ranks,
		cache:       make(map[string]string),
		pat:         pat,
		byteEncoder: bytesToUnicode(),
	}
}

// Encode returns the fixed-length token ids and attention mask for text.
// Content longer than 75 tokens is truncated; start and end tokens are
// always present.
func (t *Tokenizer) Encode(text string) ([]int64, []int64) {
	text = html.UnescapeString(text)
	text = strings.ToLower(text)
	text = strings.Join(strings.Fields(text), " ")

	tokens := make([]int, 0, 64)

	for _, m := range t.pat.FindAllString(text, -1) {
		bpe := t.bpe(t.encodeBytes([]byte(m)))

		for _, part := range strings.Split(bpe, " ") {
			if id, ok := t.encoder[part]; ok {
				tokens = append(tokens, id)
			}
		}
	}

	ids := make([]int64, clipMaxTokens)
	att := make([]int64, clipMaxTokens)

	ids[0] = clipSOT
	att[0] = 1

	n := min(len(tokens), clipMaxTokens-2)
	for i := 0; i < n; i++ {
		ids[i+1] = int64(tokens[i])
		att[i+1] = 1
	}

	ids[n+1] = clipEOT
	att[n+1] = 1

	return ids, att
}

func (t *Tokenizer) encodeBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))

	for _, by := range b {
		sb.WriteRune(t.byteEncoder[by])
	}

	return sb.String()
}

func (t *Tokenizer) bpe(token string) string {
	t.mu.Lock()
	cached, ok := t.cache[token]
	t.mu.Unlock()
	if ok {
		return cached
	}

	word := make([]string, 0, utf8.RuneCountInString(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	if len(word) > 0 {
		word[len(word)-1] += "</w>"
	}

	for len(word) >= 2 {
		bestRank := int(^uint(0) >> 1)

		var (
			best  [2]string
			found bool
		)

		for _, p := range getPairs(word) {
			if rk, ok := t.bpeRanks[p]; ok && rk < bestRank {
				bestRank = rk
				best = p
				found = true
			}
		}

		if !found {
			break
		}

		newWord := make([]string, 0, len(word))

		i := 0
		for i < len(word) {
			j := indexOf(word, best[0], i)
			if j == -1 {
				newWord = append(newWord, word[i:]...)
				break
			}

			newWord = append(newWord, word[i:j]...)

			if j < len(word)-1 && word[j+1] == best[1] {
				newWord = append(newWord, best[0]+best[1])
				i = j + 2
			} else {
				newWord = append(newWord, word[j])
				i = j + 1
			}
		}

		word = newWord
	}

	out := strings.Join(word, " ")

	t.mu.Lock()
	t.cache[token] = out
	t.mu.Unlock()

	return out
}

func getPairs(word []string) [][2]string {
	pairs := make([][2]string, 0, len(word)-1)
	for i := 0; i < len(word)-1; i++ {
		pairs = append(pairs, [2]string{word[i], word[i+1]})
	}
	return pairs
}

func indexOf(arr []string, s string, start int) int {
	for i := start; i < len(arr); i++ {
		if arr[i] == s {
			return i
		}
	}
	return -1
}

// bytesToUnicode maps every byte to a printable rune, as GPT-2 style BPE does.
func bytesToUnicode() map[byte]rune {
	printable := make(map[int]bool, 256)
	for b := int('!'); b <= int('~'); b++ {
		printable[b] = true
	}
	for b := 0xA1; b <= 0xAC; b++ {
		printable[b] = true
	}
	for b := 0xAE; b <= 0xFF; b++ {
		printable[b] = true
	}

	m := make(map[byte]rune, 256)

	n := 0
	for b := 0; b < 256; b++ {
		if printable[b] {
			m[byte(b)] = rune(b)
			continue
		}
		m[byte(b)] = rune(256 + n)
		n++
	}

	return m
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadMergesFile(path string) (map[[2]string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ranks := make(map[[2]string]int)

	sc := bufio.NewScanner(file)

	r := 0
	for sc.Scan() {
		ln := strings.TrimSpace(sc.Text())
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}

		parts := strings.SplitN(ln, " ", 2)
		if len(parts) != 2 {
			continue
		}

		ranks[[2]string{parts[0], parts[1]}] = r
		r++
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	return ranks, nil
}

func normalizeMerges(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected merges type in tokenizer.json: %T", v)
	}

	out := make([]string, 0, len(items))

	for _, item := range items {
		switch it := item.(type) {
		case string:
			out = append(out, it)
		case []any:
			if len(it) == 2 {
				a, aok := it[0].(string)
				b, bok := it[1].(string)
				if aok && bok {
					out = append(out, a+" "+b)
				}
			}
		}
	}

	return out, nil
}
