package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextDecoderSplitPoints(t *testing.T) {
	text := "héllo wörld, 你好 🎉!"
	data := []byte(text)

	for i := 0; i <= len(data); i++ {
		for j := i; j <= len(data); j++ {
			dec := newTextDecoder()
			got := dec.decode(data[:i], false)
			got += dec.decode(data[i:j], false)
			got += dec.decode(data[j:], false)
			assert.Zero(t, dec.buffered(), "split at %d/%d", i, j)
			got += dec.decode(nil, true)

			assert.Equal(t, text, got, "split at %d/%d", i, j)
		}
	}
}

func TestTextDecoderByteAtATime(t *testing.T) {
	text := "naïve café ☕ 𝄞"

	dec := newTextDecoder()
	var got string
	for _, b := range []byte(text) {
		got += dec.decode([]byte{b}, false)
	}
	got += dec.decode(nil, true)

	assert.Equal(t, text, got)
}

func TestTextDecoderHoldsIncompleteCharacter(t *testing.T) {
	euro := []byte("€")

	dec := newTextDecoder()
	assert.Equal(t, "a", dec.decode(append([]byte("a"), euro[:2]...), false))
	assert.Equal(t, 2, dec.buffered())
	assert.Equal(t, "€b", dec.decode(append(euro[2:], 'b'), false))
	assert.Zero(t, dec.buffered())
}

func TestTextDecoderFlushesTruncatedCharacterAtEOF(t *testing.T) {
	euro := []byte("€")

	dec := newTextDecoder()
	assert.Equal(t, "ok", dec.decode(append([]byte("ok"), euro[:2]...), false))
	assert.Equal(t, "�", dec.decode(nil, true))
	assert.Zero(t, dec.buffered())
}
