// Package chunker splits a markdown help article into semantically bounded,
// size-bounded chunks with preserved section headings (spec.md C2).
//
// The packing cascade (paragraph -> sentence -> line -> hard cut, each level
// seeding the next buffer with a trailing overlap from the previous one) is
// adapted from bbiangul-go-reason/chunker/chunker.go's splitContent /
// splitBySentences / extractOverlap.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size invariants (spec.md §3).
const (
	TMin    = 20
	TMax    = 500
	Overlap = 50
)

// HardMax is the ceiling no chunk may exceed under any circumstance.
const HardMax = TMax + TMax/2

// Chunk is one ordered, bounded slice of an article's content, ready to be
// stamped with run/revision metadata by the indexer.
type Chunk struct {
	Content        string
	Ordinal        int
	SectionHeading string
	Path           string
	Title          string
}

var (
	headingRe = regexp.MustCompile(`^(#{1,3})[ \t]+(.+?)[ \t]*$`)
	h1Re      = regexp.MustCompile(`^#[ \t]+(.+?)[ \t]*$`)
)

// ChunkArticle splits content (the raw bytes of one article) into an ordered list
// of Chunks. source identifies the article as "{repo}/{path}"; its path
// portion is extracted via ExtractFilePath and attached to every chunk.
// Returns an empty list for empty or whitespace-only content; never fails.
func ChunkArticle(content, source string) []Chunk {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if strings.TrimSpace(content) == "" {
		return nil
	}

	title := extractTitle(content)
	path := ExtractFilePath(source)

	var texts []string
	var headings []string
	for _, sec := range splitSections(content) {
		for _, text := range packSection(sec.body) {
			texts = append(texts, text)
			headings = append(headings, sec.heading)
		}
	}

	texts, headings = dropUndersized(texts, headings)
	texts, headings = resplitOversized(texts, headings)
	texts, headings = dropUndersized(texts, headings)

	out := make([]Chunk, 0, len(texts))
	for i, t := range texts {
		out = append(out, Chunk{
			Content:        strings.TrimSpace(t),
			Ordinal:        i,
			SectionHeading: headings[i],
			Path:           path,
			Title:          title,
		})
	}
	return out
}

// ExtractFilePath strips the first two segments (owner/repo prefix) from a
// "{repo}/{path}"-shaped source identifier. Inputs with fewer than three
// segments are returned unchanged.
func ExtractFilePath(source string) string {
	parts := strings.Split(source, "/")
	if len(parts) < 3 {
		return source
	}
	return strings.Join(parts[2:], "/")
}

func extractTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if m := h1Re.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

type section struct {
	heading string
	body    string
}

// splitSections groups lines into sections bounded by any level-1-3
// heading. The heading line is included in its section's body. The first
// section may be heading-less.
func splitSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	var cur section
	var curLines []string
	isEmpty := func() bool {
		return cur.heading == "" && strings.TrimSpace(strings.Join(curLines, "\n")) == ""
	}
	flush := func() {
		if !isEmpty() {
			cur.body = strings.Join(curLines, "\n")
			sections = append(sections, cur)
		}
	}
	for _, line := range lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = section{heading: strings.TrimSpace(m[2])}
			curLines = []string{line}
			continue
		}
		curLines = append(curLines, line)
	}
	flush()
	return sections
}

// packSection runs paragraph packing with target size TMax and overlap
// Overlap over one section's body.
func packSection(body string) []string {
	return packUnits(splitParagraphs(body), "\n\n", splitSentencesThenPack)
}

func splitSentencesThenPack(paragraph string) []string {
	return packUnits(splitSentences(paragraph), " ", splitLinesThenPack)
}

func splitLinesThenPack(sentence string) []string {
	return packUnits(splitLines(sentence), " ", func(line string) []string {
		return hardCut(line, TMax)
	})
}

// packUnits packs units into a running buffer targeting TMax characters,
// joining with sep. When adding a unit would exceed TMax and the buffer is
// non-empty, the buffer is emitted and the next buffer is seeded with the
// trailing Overlap characters of the emitted text. A unit that alone
// exceeds TMax is recursively split via splitOversized.
func packUnits(units []string, sep string, splitOversized func(string) []string) []string {
	var out []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}

	for _, u := range units {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if runeLen(u) > TMax {
			flush()
			out = append(out, splitOversized(u)...)
			continue
		}

		candidateLen := runeLen(u)
		if buf.Len() > 0 {
			candidateLen = runeLen(buf.String()) + len(sep) + runeLen(u)
		}

		if buf.Len() > 0 && candidateLen > TMax {
			emitted := buf.String()
			out = append(out, emitted)
			seed := lastNChars(emitted, Overlap)
			buf.Reset()
			if seed != "" {
				buf.WriteString(seed)
				buf.WriteString(sep)
			}
			buf.WriteString(u)
			continue
		}

		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(u)
	}
	flush()
	return out
}

// splitParagraphs splits text on blank-line boundaries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits text on end-of-sentence punctuation followed by
// whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// splitLines splits text by line.
func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// hardCut cuts s into exactly-size character (rune) boundaries. This is the
// last resort when a line cannot be split at any semantic boundary.
func hardCut(s string, size int) []string {
	r := []rune(s)
	if len(r) == 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(r); i += size {
		end := i + size
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[i:end]))
	}
	return out
}

// lastNChars returns the trailing n characters (runes) of s.
func lastNChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// dropUndersized removes chunks whose trimmed length is below TMin.
func dropUndersized(texts, headings []string) ([]string, []string) {
	outT := make([]string, 0, len(texts))
	outH := make([]string, 0, len(headings))
	for i, t := range texts {
		if runeLen(strings.TrimSpace(t)) >= TMin {
			outT = append(outT, t)
			outH = append(outH, headings[i])
		}
	}
	return outT, outH
}

// resplitOversized re-splits any chunk still longer than HardMax at hard
// character boundaries, guaranteeing the final sweep invariant.
func resplitOversized(texts, headings []string) ([]string, []string) {
	outT := make([]string, 0, len(texts))
	outH := make([]string, 0, len(headings))
	for i, t := range texts {
		if runeLen(t) <= HardMax {
			outT = append(outT, t)
			outH = append(outH, headings[i])
			continue
		}
		for _, piece := range hardCut(t, TMax) {
			outT = append(outT, piece)
			outH = append(outH, headings[i])
		}
	}
	return outT, outH
}
