package client

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns a stream of byte chunks into text. A multi-byte character split across two chunks is
// held back until the chunk that completes it arrives, so no character is ever dropped or replaced
// because of where the network happened to cut the stream.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

// decode returns the text decodable from the pending bytes plus p. When atEOF is set any incomplete
// trailing sequence is flushed as U+FFFD.
func (d *textDecoder) decode(p []byte, atEOF bool) string {
	src := make([]byte, 0, len(d.pending)+len(p))
	src = append(src, d.pending...)
	src = append(src, p...)
	d.pending = d.pending[:0]
	if len(src) == 0 {
		return ""
	}

	// Invalid bytes expand to a three byte replacement character at most.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if errors.Is(err, transform.ErrShortSrc) {
		d.pending = append(d.pending, src[nSrc:]...)
	}
	return string(dst[:nDst])
}

// buffered reports how many bytes of an incomplete character are being held back.
func (d *textDecoder) buffered() int {
	return len(d.pending)
}
