// Package words splits text into words: maximal runs of ASCII letters.
package words

import (
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// MaxLen is the longest word [Scan] yields. A longer run of letters is
// split: the first MaxLen letters form a word and scanning starts a new
// word at the next letter.
const MaxLen = 8192

const readSize = 64 << 10

var bufPool bytebufferpool.Pool

// Scan reads r to EOF and calls fn for every word in order.
//
// The slice passed to fn is only valid until fn returns. Scan stops at the
// first error from r or fn and returns it; an error from fn is returned
// unwrapped.
func Scan(r io.Reader, fn func(word []byte) error) error {
	chunk := bufPool.Get()
	defer bufPool.Put(chunk)

	word := bufPool.Get()
	defer bufPool.Put(word)

	chunk.B = growTo(chunk.B, readSize)
	word.Reset()

	for {
		n, readErr := r.Read(chunk.B[:readSize])

		for _, c := range chunk.B[:n] {
			if !isLetter(c) {
				if word.Len() > 0 {
					if err := fn(word.B); err != nil {
						return err
					}

					word.Reset()
				}

				continue
			}

			_ = word.WriteByte(c)

			if word.Len() == MaxLen {
				if err := fn(word.B); err != nil {
					return err
				}

				word.Reset()
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("read: %w", readErr)
			}

			if word.Len() > 0 {
				return fn(word.B)
			}

			return nil
		}
	}
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func growTo(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}

	return make([]byte, n)
}
