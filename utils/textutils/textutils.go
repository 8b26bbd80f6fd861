// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

// Package textutils provides text normalization helpers.
package textutils

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// LowerASCIIFolding normalizes a string by removing accents, lowercasing, and trimming spaces.
func LowerASCIIFolding(s string) string {
	s, _, _ = transform.String(
		transform.Chain(
			norm.NFD,
			runes.Remove(runes.In(unicode.Mn)),
			norm.NFC,
		),
		strings.TrimSpace(strings.ToLower(s)),
	)

	return s
}

// Slugify derives a URL and filesystem safe name: transliterated to ASCII,
// lowercased, every run of characters other than ASCII letters and digits
// collapsed into a single hyphen, without leading or trailing hyphens.
// Names without any transliteration (emoji, symbols) give "".
func Slugify(s string) string {
	s = strings.ToLower(unidecode.Unidecode(LowerASCIIFolding(s)))

	var sb strings.Builder

	sb.Grow(len(s))

	pending := false

	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && sb.Len() > 0 {
				sb.WriteByte('-')
			}

			pending = false

			sb.WriteRune(r)
		} else {
			pending = true
		}
	}

	return sb.String()
}

// FormatInt formats an integer with commas for human readability.
func FormatInt(n int64) string {
	in := strconv.FormatInt(n, 10)

	numOfDigits := len(in)
	if n < 0 {
		numOfDigits-- // First character is the - sign (not a digit)
	}

	numOfCommas := (numOfDigits - 1) / 3

	out := make([]byte, len(in)+numOfCommas)
	if n < 0 {
		in, out[0] = in[1:], '-'
	}

	for i, j, k := len(in)-1, len(out)-1, 0; ; i, j = i-1, j-1 {
		out[j] = in[i]
		if i == 0 {
			return string(out)
		}

		if k++; k == 3 {
			j, k = j-1, 0
			out[j] = ','
		}
	}
}
