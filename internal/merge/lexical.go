// SPDX-License-Identifier: MIT

package merge

import (
	"strings"
	"unicode"

	"github.com/openscribe/scribed/internal/model"
)

// token is one word with its interpolated time span. norm is the matching
// key: lowercase, punctuation stripped. Output text keeps the original word.
type token struct {
	word  string
	norm  string
	start float64
	end   float64
	seg   int // index of the originating segment
}

// lexicalJoin resolves overlap duplicates for short recordings by computing
// the longest common subsequence over word tokens between each chunk's tail
// and its successor's head, dropping the shared words from the predecessor.
func lexicalJoin(chunks []model.Chunk, abs [][]model.Segment) {
	for i := 0; i < len(chunks)-1; i++ {
		overlapStart := chunks[i+1].Start
		overlapEnd := chunks[i].End

		keep, tail := splitAt(abs[i], overlapStart)
		head := within(abs[i+1], overlapStart, overlapEnd)
		if len(tail) == 0 || len(head) == 0 {
			continue
		}

		tailToks := tokenize(tail)
		headToks := tokenize(head)
		shared := lcsMask(tailToks, headToks)

		survivors := make([]token, 0, len(tailToks))
		for k, t := range tailToks {
			if shared[k] {
				continue
			}
			survivors = append(survivors, t)
		}
		abs[i] = append(keep, rebuild(survivors)...)
	}
}

// splitAt partitions segments into those starting before cut and the rest.
// Input is sorted by start, so this is a prefix split.
func splitAt(segs []model.Segment, cut float64) (before, after []model.Segment) {
	for i, s := range segs {
		if s.Start >= cut {
			return segs[:i], segs[i:]
		}
	}
	return segs, nil
}

func within(segs []model.Segment, from, to float64) []model.Segment {
	var out []model.Segment
	for _, s := range segs {
		if s.Start >= from && s.Start <= to {
			out = append(out, s)
		}
	}
	return out
}

// tokenize splits segments into word tokens, apportioning each segment's
// time span across its words proportionally to word length.
func tokenize(segs []model.Segment) []token {
	var toks []token
	for si, s := range segs {
		words := strings.Fields(s.Text)
		if len(words) == 0 {
			continue
		}
		total := 0
		for _, w := range words {
			total += len(w)
		}
		span := s.End - s.Start
		pos := s.Start
		for _, w := range words {
			frac := float64(len(w)) / float64(total)
			end := pos + span*frac
			toks = append(toks, token{
				word:  w,
				norm:  normalizeWord(w),
				start: pos,
				end:   end,
				seg:   si,
			})
			pos = end
		}
	}
	return toks
}

// normalizeWord lowercases and strips punctuation for matching only.
func normalizeWord(w string) string {
	var b strings.Builder
	for _, r := range w {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// lcsMask marks which tokens of a are part of a longest common subsequence
// with b. Tokens with empty norms never match. Classic O(m*n) table; the
// inputs are overlap-region tails, not whole transcripts.
func lcsMask(a, b []token) []bool {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if a[i].norm != "" && a[i].norm == b[j].norm {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	mask := make([]bool, m)
	i, j := 0, 0
	for i < m && j < n {
		switch {
		case a[i].norm != "" && a[i].norm == b[j].norm:
			mask[i] = true
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return mask
}

// rebuild groups consecutive surviving tokens from the same source segment
// back into segments. Times come from the tokens' interpolated spans.
func rebuild(toks []token) []model.Segment {
	var out []model.Segment
	for i := 0; i < len(toks); {
		j := i
		for j < len(toks) && toks[j].seg == toks[i].seg {
			j++
		}
		words := make([]string, 0, j-i)
		for _, t := range toks[i:j] {
			words = append(words, t.word)
		}
		out = append(out, model.Segment{
			Start: toks[i].start,
			End:   toks[j-1].end,
			Text:  strings.Join(words, " "),
		})
		i = j
	}
	return out
}
