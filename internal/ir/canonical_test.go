package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":null,"z":true}}`, string(got))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...), which sorts before
	// U+FF5E in UTF-16 even though its UTF-8 bytes sort after.
	got, err := MarshalCanonical(map[string]int{"\uff5e": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uff5e\":1}", string(got))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"amount": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshalCanonical_EscapesControlCharacters(t *testing.T) {
	got, err := MarshalCanonical("line\nnext\u0001\"q\"")
	require.NoError(t, err)
	assert.Equal(t, `"line\nnext\u0001\"q\""`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshalCanonical_StructTags(t *testing.T) {
	msg := SessionMessage{ID: "m1", SessionID: "s1", From: "alice", To: "bob", Kind: KindEnd}
	got, err := MarshalCanonical(msg)
	require.NoError(t, err)
	assert.Equal(t, `{"from":"alice","from_initiator":false,"id":"m1","kind":"end","session_id":"s1","to":"bob"}`, string(got))
}

func TestMarshalCanonical_RawMessageIsReordered(t *testing.T) {
	got, err := MarshalCanonical(json.RawMessage(`{ "b" : [1, 2], "a" : "x" }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":[1,2]}`, string(got))
}
