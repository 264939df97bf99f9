package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrRecordTooLarge is returned when a record would exceed MaxRecordSize
	ErrRecordTooLarge = errors.New("record exceeds maximum size (64 KB)")
)

// WriteRecord encodes a message and writes it as one newline-terminated record
func WriteRecord(w io.Writer, msg FederationMessage) error {
	line, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	if len(line)+1 > MaxRecordSize {
		return ErrRecordTooLarge
	}

	_, err = io.WriteString(w, line+"\n")
	return err
}

// RecordReader reads newline-terminated records from a peer
type RecordReader struct {
	r *bufio.Reader
}

// NewRecordReader wraps r for record reads
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadLine returns the next record without its terminator.
// A final record without a terminator is returned before io.EOF.
func (rr *RecordReader) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := rr.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}

		sb.Write(chunk)
		if sb.Len() > MaxRecordSize {
			// Drain the remainder so the stream stays aligned on the next record
			for isPrefix {
				if _, isPrefix, err = rr.r.ReadLine(); err != nil {
					return "", err
				}
			}
			return "", ErrRecordTooLarge
		}

		if !isPrefix {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
	}
}

// ReadMessage reads the next record and decodes it.
// Transport errors are returned as-is; decode errors wrap ErrMalformedMessage or
// ErrMalformedField and leave the reader positioned on the following record.
func (rr *RecordReader) ReadMessage() (FederationMessage, error) {
	line, err := rr.ReadLine()
	if err != nil {
		return FederationMessage{}, err
	}

	msg, err := DecodeMessage(line)
	if err != nil {
		return FederationMessage{}, fmt.Errorf("decode record: %w", err)
	}
	return msg, nil
}

// IsDecodeError reports whether err came from decoding rather than the transport
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrMalformedField) || errors.Is(err, ErrRecordTooLarge)
}
