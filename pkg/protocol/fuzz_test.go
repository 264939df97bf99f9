package protocol

import (
	"strings"
	"testing"
)

// FuzzDecodeMessage fuzzes the message decoder with random text
func FuzzDecodeMessage(f *testing.F) {
	f.Add("200|SERVER_A||1700000000|alice|hello")
	f.Add("400|SERVER_A|SERVER_B|1700000000|")
	f.Add("|||")
	f.Add("x|y|z|w|v")

	f.Fuzz(func(t *testing.T, data string) {
		// Must never panic; a successful decode must re-encode when the fields allow it
		msg, err := DecodeMessage(data)
		if err != nil {
			return
		}
		if strings.ContainsAny(data, "\r\n") {
			return
		}
		if _, err := EncodeMessage(msg); err != nil {
			t.Fatalf("decoded message failed to encode: %v", err)
		}
	})
}

// FuzzDecodeDescriptor fuzzes the descriptor decoder
func FuzzDecodeDescriptor(f *testing.F) {
	f.Add("SERVER_B|ChatServer|10.0.0.2|8081|50|3|1700000123|1")
	f.Add("|||||||")

	f.Fuzz(func(t *testing.T, data string) {
		d, err := DecodeDescriptor(data)

		// Should never panic
		_ = d
		_ = err
	})
}

// FuzzRecordReader fuzzes the record reader with arbitrary streams
func FuzzRecordReader(f *testing.F) {
	f.Add([]byte("200|A||1|x\n201|A|B|2|y\n"))
	f.Add([]byte("\n\n\r\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		rr := NewRecordReader(strings.NewReader(string(data)))
		for i := 0; i < 100; i++ {
			if _, err := rr.ReadMessage(); err != nil && !IsDecodeError(err) {
				return
			}
		}
	})
}
