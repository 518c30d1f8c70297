// Package tokenizer turns raw text into a doc.Document by splitting whitespace runs and then
// peeling prefixes, suffixes, infixes and exceptions off each non-space run.
package tokenizer

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"

	"github.com/hyperjump/fednlp/internal/doc"
)

// matchTimeout bounds a single affix match so a pathological rule cannot hang a worker.
const matchTimeout = time.Second

// Tokenizer splits text according to a Rules table.
type Tokenizer struct {
	vocab      doc.Vocabulary
	rules      *Rules
	prefix     *regexp2.Regexp
	suffix     *regexp2.Regexp
	infix      *regexp2.Regexp
	exceptions map[string][]string
}

// New compiles rules into a Tokenizer that interns token texts into v.
func New(v doc.Vocabulary, rules *Rules) (*Tokenizer, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	t := &Tokenizer{vocab: v, rules: rules, exceptions: rules.Exceptions}
	var err error
	if t.prefix, err = compile(rules.Prefixes, `^(?:%s)`); err != nil {
		return nil, fmt.Errorf("compile prefixes: %w", err)
	}
	if t.suffix, err = compile(rules.Suffixes, `(?:%s)$`); err != nil {
		return nil, fmt.Errorf("compile suffixes: %w", err)
	}
	if t.infix, err = compile(rules.Infixes, `%s`); err != nil {
		return nil, fmt.Errorf("compile infixes: %w", err)
	}
	return t, nil
}

func compile(patterns []string, layout string) (*regexp2.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	re, err := regexp2.Compile(fmt.Sprintf(layout, strings.Join(patterns, "|")), regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return re, nil
}

// Rules returns the table the tokenizer was built from.
func (t *Tokenizer) Rules() *Rules {
	return t.rules
}

// Tokenize splits text into a Document. Every maximal whitespace run becomes one space
// token, except a single U+0020 directly after a word, which is recorded as that word's
// SpaceAfter flag. Concatenating each token with its trailing space gives back text.
func (t *Tokenizer) Tokenize(text string) (*doc.Document, error) {
	runes := []rune(text)
	n := len(runes)
	metas := make([]*doc.TokenMeta, 0, n/4+1)
	for i := 0; i < n; {
		j := i
		if isSpace(runes[i]) {
			for j < n && isSpace(runes[j]) {
				j++
			}
			metas = append(metas, &doc.TokenMeta{
				TextID:  t.vocab.Intern(string(runes[i:j])),
				Start:   i,
				End:     j,
				IsSpace: true,
			})
			i = j
			continue
		}
		for j < n && !isSpace(runes[j]) {
			j++
		}
		spaceAfter := j < n && runes[j] == ' '
		var err error
		metas, err = t.splitRun(metas, runes[i:j], i, spaceAfter)
		if err != nil {
			return nil, err
		}
		i = j
		if spaceAfter {
			i++
		}
	}
	if len(metas) > 0 {
		if last := metas[len(metas)-1]; last.End == n && !last.SpaceAfter {
			last.End = doc.ToEnd
		}
	}
	return doc.New(t.vocab, metas), nil
}

type piece struct {
	text  []rune
	start int
}

// splitRun resolves one non-space run into tokens and appends them to metas.
func (t *Tokenizer) splitRun(metas []*doc.TokenMeta, run []rune, start int, spaceAfter bool) ([]*doc.TokenMeta, error) {
	var prefixes, suffixes, exceptions, infixes []piece
	rest, pos := run, start

	for i, last := 0, 0; i-last <= 2; i++ {
		if pieces, ok := t.exceptions[string(rest)]; ok {
			exceptions = exceptionPieces(pieces, pos)
			rest = nil
			break
		}
		if i%2 == 0 {
			n, err := t.matchPrefix(rest)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				prefixes = append(prefixes, piece{text: rest[:n], start: pos})
				rest, pos = rest[n:], pos+n
				last = i
			}
			continue
		}
		n, err := t.matchSuffix(rest)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			cut := len(rest) - n
			suffixes = append(suffixes, piece{text: rest[cut:], start: pos + cut})
			rest = rest[:cut]
			last = i
		}
	}

	if len(rest) > 0 {
		var err error
		if infixes, err = t.splitInfixes(rest, pos); err != nil {
			return nil, err
		}
	}

	out := make([]piece, 0, len(prefixes)+len(exceptions)+len(infixes)+len(suffixes)+1)
	out = append(out, prefixes...)
	out = append(out, exceptions...)
	if len(infixes) > 0 {
		out = append(out, infixes...)
	} else if len(rest) > 0 {
		out = append(out, piece{text: rest, start: pos})
	}
	for i := len(suffixes) - 1; i >= 0; i-- {
		out = append(out, suffixes[i])
	}

	for k, p := range out {
		metas = append(metas, &doc.TokenMeta{
			TextID:     t.vocab.Intern(string(p.text)),
			Start:      p.start,
			End:        p.start + len(p.text),
			SpaceAfter: k == len(out)-1 && spaceAfter,
		})
	}
	return metas, nil
}

func (t *Tokenizer) matchPrefix(s []rune) (int, error) {
	if t.prefix == nil || len(s) == 0 {
		return 0, nil
	}
	m, err := t.prefix.FindRunesMatch(s)
	if err != nil || m == nil || m.Index != 0 {
		return 0, err
	}
	return m.Length, nil
}

func (t *Tokenizer) matchSuffix(s []rune) (int, error) {
	if t.suffix == nil || len(s) == 0 {
		return 0, nil
	}
	m, err := t.suffix.FindRunesMatch(s)
	for err == nil && m != nil {
		if m.Length > 0 && m.Index+m.Length == len(s) {
			return m.Length, nil
		}
		m, err = t.suffix.FindNextMatch(m)
	}
	return 0, err
}

// splitInfixes splits s at every non-empty infix match. It returns nil when nothing matched.
func (t *Tokenizer) splitInfixes(s []rune, pos int) ([]piece, error) {
	if t.infix == nil {
		return nil, nil
	}
	bounds := []int{0}
	m, err := t.infix.FindRunesMatch(s)
	for err == nil && m != nil {
		if m.Length > 0 {
			bounds = append(bounds, m.Index, m.Index+m.Length)
		}
		m, err = t.infix.FindNextMatch(m)
	}
	if err != nil {
		return nil, err
	}
	if len(bounds) == 1 {
		return nil, nil
	}
	bounds = append(bounds, len(s))
	var out []piece
	for i := 0; i+1 < len(bounds); i++ {
		a, b := bounds[i], bounds[i+1]
		if a >= b {
			continue
		}
		out = append(out, piece{text: s[a:b], start: pos + a})
	}
	return out, nil
}

func exceptionPieces(pieces []string, pos int) []piece {
	out := make([]piece, len(pieces))
	for i, p := range pieces {
		r := []rune(p)
		out[i] = piece{text: r, start: pos}
		pos += len(r)
	}
	return out
}

func isSpace(r rune) bool {
	return unicode.IsSpace(r)
}
