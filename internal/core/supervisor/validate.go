package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"go-meeting-autorecorder/internal/core/domain"
)

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	ftypMagic = []byte("ftyp")
)

const (
	tsSyncByte   = 0x47
	tsPacketSize = 188
)

// ValidateOutput checks that path is a non-empty Matroska, MP4 or MPEG-TS
// file and returns its size.
func ValidateOutput(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidOutput, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidOutput, err)
	}
	if fi.Size() == 0 {
		return 0, fmt.Errorf("%w: %s is empty", domain.ErrInvalidOutput, path)
	}

	// enough for two transport stream sync bytes
	head := make([]byte, tsPacketSize+1)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fi.Size(), fmt.Errorf("%w: read header: %v", domain.ErrInvalidOutput, err)
	}
	head = head[:n]
	if !knownContainer(head) {
		return fi.Size(), fmt.Errorf("%w: unrecognized header % x", domain.ErrInvalidOutput, head[:min(len(head), 12)])
	}
	return fi.Size(), nil
}

func knownContainer(head []byte) bool {
	switch {
	case bytes.HasPrefix(head, ebmlMagic):
		return true
	case len(head) >= 8 && bytes.Equal(head[4:8], ftypMagic):
		return true
	case len(head) > tsPacketSize && head[0] == tsSyncByte && head[tsPacketSize] == tsSyncByte:
		return true
	}
	return false
}
