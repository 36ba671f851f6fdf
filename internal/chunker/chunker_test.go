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

package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortDocumentSingleChunk(t *testing.T) {
	text := "This is a short memo. It has two sentences."
	chunks := Chunk(text, "doc1", Options{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for short doc, got %d", len(chunks))
	}
	if chunks[0].TotalChunks != 1 {
		t.Errorf("TotalChunks = %d, want 1", chunks[0].TotalChunks)
	}
}

func TestCitationNotSplit(t *testing.T) {
	text := strings.Repeat("Filler words to pad the sentence count up nicely. ", 30) +
		"See Brown v. Board of Education, a landmark case. " +
		strings.Repeat("More filler text to extend the document length further. ", 30)
	chunks := Chunk(text, "doc1", Options{TargetWords: 40, OverlapWords: 5, MinWords: 10})
	for _, c := range chunks {
		if strings.Contains(c.Text, "Brown v.") && !strings.Contains(c.Text, "Brown v. Board") {
			t.Errorf("citation was split mid-sentence: %q", c.Text)
		}
	}
}

// TestChunkerCoverage is spec §8 property 8: every chunk (except possibly
// the final one) meets the minimum size, and total chunks > 1 for long
// documents.
func TestChunkerCoverage(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 400)
	chunks := Chunk(text, "doc1", Options{TargetWords: 100, OverlapWords: 10, MinWords: 20})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long document, got %d", len(chunks))
	}
	for i, c := range chunks[:len(chunks)-1] {
		if c.WordCount < 20 && i != len(chunks)-1 {
			t.Errorf("chunk %d below minimum: %d words", i, c.WordCount)
		}
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk index %d != position %d", c.ChunkIndex, i)
		}
		if c.TotalChunks != len(chunks) {
			t.Errorf("chunk %d TotalChunks = %d, want %d", i, c.TotalChunks, len(chunks))
		}
	}
}

// TestChunkMetadataFields exercises the multi-field DocumentChunk metadata
// (parent document id, offsets, word count) spec §3 requires; require's
// struct-field assertions keep the per-field failure messages readable for
// this data-heavy case.
func TestChunkMetadataFields(t *testing.T) {
	text := strings.Repeat("The parties dispute the contract terms at issue here. ", 60)
	chunks := Chunk(text, "doc-42", Options{TargetWords: 80, OverlapWords: 8, MinWords: 20})
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		require.Equal(t, "doc-42", c.ParentDocID)
		require.Equal(t, i, c.ChunkIndex)
		require.Equal(t, len(chunks), c.TotalChunks)
		require.GreaterOrEqual(t, c.EndOffset, c.StartOffset)
		require.Greater(t, c.WordCount, 0)
	}
}
