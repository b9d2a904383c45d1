package lib

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHexBytesJSON(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		input    string
		expected HexBytes
		hasErr   bool
	}{
		{
			name:     "hex",
			detail:   "a hex string decodes to its bytes",
			input:    `"0a0bff"`,
			expected: HexBytes{0x0a, 0x0b, 0xff},
		},
		{
			name:     "empty",
			detail:   "an empty string is an empty slice",
			input:    `""`,
			expected: HexBytes{},
		},
		{
			name:   "not hex",
			detail: "non hex characters are rejected",
			input:  `"zz"`,
			hasErr: true,
		},
		{
			name:   "not a string",
			detail: "hex bytes are always a json string",
			input:  `[1,2]`,
			hasErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got HexBytes
			err := json.Unmarshal([]byte(test.input), &got)
			require.Equal(t, test.hasErr, err != nil, test.detail)
			if test.hasErr {
				return
			}
			require.Equal(t, test.expected, got, test.detail)
			bz, err := json.Marshal(got)
			require.NoError(t, err)
			require.JSONEq(t, test.input, string(bz))
		})
	}
}

func TestDecodeLengthPrefixed(t *testing.T) {
	segments := [][]byte{[]byte("outcome"), []byte("intent/seat-1"), bytes.Repeat([]byte{1}, 300)}
	require.Equal(t, segments, DecodeLengthPrefixed(JoinLenPrefix(segments...)))
	// nil segments are skipped, a truncated key stops at the last whole segment
	key := JoinLenPrefix([]byte("a"), nil, []byte("bc"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("bc")}, DecodeLengthPrefixed(key))
	require.Equal(t, [][]byte{[]byte("a")}, DecodeLengthPrefixed(key[:len(key)-1]))
}

func TestJSONFiles(t *testing.T) {
	dir := t.TempDir()
	type file struct {
		Name string   `json:"name"`
		Data HexBytes `json:"data"`
	}
	in := &file{Name: "peer", Data: HexBytes{1, 2, 3}}
	require.NoError(t, SaveJSONToFile(in, dir, "file.json"))
	out := new(file)
	require.NoError(t, NewJSONFromFile(out, dir, "file.json"))
	require.Equal(t, in, out)
	err := NewJSONFromFile(out, dir, "missing.json")
	require.True(t, IsCode(err, MainModule, CodeReadFile))
}

func TestCatchPanic(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	log := NewLogger(LoggerConfig{Level: DebugLevel, Out: buf})
	require.NotPanics(t, func() {
		defer CatchPanic(log)
		panic("boom")
	})
	require.Contains(t, buf.String(), "recovered from panic: boom")
}
