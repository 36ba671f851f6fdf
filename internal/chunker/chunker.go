// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chunker splits source text into overlapping, sentence-aligned
// chunks (spec §4.5). It is sentence-aware with a lookahead guard against
// breaking common legal-citation abbreviations (e.g. "v.", "Co.", "Inc."),
// grounded in the original BEAR_AI document_processor.py's citation-aware
// splitter (see SPEC_FULL.md "Supplemented features" #6).
package chunker

import (
	"strings"
	"unicode"

	"ulir/internal/model"
)

// Options configures the chunker. Zero-value Options falls back to the
// spec's documented defaults.
type Options struct {
	TargetWords int // default 512
	OverlapWords int // default 50
	MinWords    int // default 100
}

func (o Options) withDefaults() Options {
	if o.TargetWords <= 0 {
		o.TargetWords = 512
	}
	if o.OverlapWords <= 0 {
		o.OverlapWords = 50
	}
	if o.MinWords <= 0 {
		o.MinWords = 100
	}
	return o
}

// citationAbbrevs are sentence-final tokens that must not be treated as a
// sentence boundary even though they end with a period.
var citationAbbrevs = map[string]bool{
	"v.": true, "vs.": true, "co.": true, "inc.": true, "corp.": true,
	"ltd.": true, "no.": true, "nos.": true, "p.": true, "pp.": true,
	"f.": true, "f.2d": true, "f.3d": true, "f.supp.": true, "u.s.": true,
	"s.ct.": true, "l.ed.": true, "cir.": true, "dist.": true, "mr.": true,
	"mrs.": true, "ms.": true, "dr.": true, "jr.": true, "sr.": true,
	"et": true, "al.": true,
}

type sentence struct {
	text  string
	start int
	end   int
}

// splitSentences breaks text into sentences on '.', '!', '?' followed by
// whitespace-then-uppercase (or end of text), skipping boundaries whose
// immediately preceding token is a known citation abbreviation.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	n := len(text)
	for i := 0; i < n; i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		// Lookahead: boundary only if followed by end-of-text or
		// whitespace then an uppercase/digit/quote, to avoid splitting on
		// decimals or abbreviations mid-sentence.
		j := i + 1
		if j < n && text[j] != ' ' && text[j] != '\n' && text[j] != '\t' {
			continue
		}
		for j < n && (text[j] == ' ' || text[j] == '\n' || text[j] == '\t') {
			j++
		}
		if j < n {
			r := rune(text[j])
			if !unicode.IsUpper(r) && !unicode.IsDigit(r) && r != '"' && r != '\'' {
				continue
			}
		}

		// Citation-abbreviation guard: look at the word ending at i.
		wordStart := i
		for wordStart > start && text[wordStart-1] != ' ' && text[wordStart-1] != '\n' {
			wordStart--
		}
		word := strings.ToLower(text[wordStart : i+1])
		if citationAbbrevs[word] {
			continue
		}

		out = append(out, sentence{text: text[start : i+1], start: start, end: i + 1})
		start = i + 1
	}
	if start < n {
		rest := strings.TrimRight(text[start:n], " \n\t")
		if rest != "" {
			out = append(out, sentence{text: text[start:n], start: start, end: n})
		}
	}
	return out
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// Chunk splits text into DocumentChunks for parentDocID. Sentences are
// accumulated until TargetWords is reached; overlap is achieved by
// retaining whole trailing sentences of the previous chunk as the next
// chunk's prefix (see overlapSuffix). The overlap is not cut to exactly
// OverlapWords words: the last sentence is always retained, even when it
// alone is longer than OverlapWords. If the whole document is shorter than MinWords it is
// emitted as a single chunk (spec §4.5, §8 property 8).
func Chunk(text, parentDocID string, opts Options) []model.DocumentChunk {
	opts = opts.withDefaults()
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	totalWords := wordCount(text)
	if totalWords < opts.MinWords {
		return []model.DocumentChunk{{
			Text: text, StartOffset: 0, EndOffset: len(text),
			ChunkIndex: 0, ParentDocID: parentDocID,
			WordCount: totalWords, TotalChunks: 1,
		}}
	}

	var chunks []model.DocumentChunk
	var curSentences []sentence
	curWords := 0
	curStart := sentences[0].start

	flush := func(end int) {
		if len(curSentences) == 0 {
			return
		}
		var b strings.Builder
		for _, s := range curSentences {
			b.WriteString(s.text)
		}
		txt := b.String()
		chunks = append(chunks, model.DocumentChunk{
			Text: txt, StartOffset: curStart, EndOffset: end,
			ChunkIndex: len(chunks), ParentDocID: parentDocID,
			WordCount: wordCount(txt),
		})
	}

	for i := 0; i < len(sentences); i++ {
		s := sentences[i]
		w := wordCount(s.text)
		if curWords > 0 && curWords+w > opts.TargetWords {
			flush(s.start)
			// Build overlap prefix: the trailing whole sentences of the
			// chunk just flushed, up to about OverlapWords words.
			curSentences = overlapSuffix(curSentences, opts.OverlapWords)
			curWords = 0
			for _, cs := range curSentences {
				curWords += wordCount(cs.text)
			}
			if len(curSentences) > 0 {
				curStart = curSentences[0].start
			} else {
				curStart = s.start
			}
		}
		curSentences = append(curSentences, s)
		curWords += w
	}
	flush(len(text))

	for i := range chunks {
		chunks[i].TotalChunks = len(chunks)
	}
	return chunks
}

// overlapSuffix returns the trailing sentences of prior whose combined word
// count is closest to (without grossly exceeding) overlapWords, used as the
// seed for the next chunk.
func overlapSuffix(prior []sentence, overlapWords int) []sentence {
	if overlapWords <= 0 || len(prior) == 0 {
		return nil
	}
	words := 0
	idx := len(prior)
	for idx > 0 {
		w := wordCount(prior[idx-1].text)
		if words+w > overlapWords && words > 0 {
			break
		}
		words += w
		idx--
	}
	out := make([]sentence, len(prior)-idx)
	copy(out, prior[idx:])
	return out
}
