package tracelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Frame layout: offset uint64 | payload length uint32 | payload.
const frameHeader = 12

type segInfo struct {
	id   int
	path string
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.trace", id))
}

func listSegments(dir string) ([]segInfo, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []segInfo
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".trace") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".trace"))
		if err != nil {
			continue
		}
		segs = append(segs, segInfo{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

func putFrame(w io.Writer, offset uint64, payload []byte) (int, error) {
	var hdr [frameHeader]byte
	binary.LittleEndian.PutUint64(hdr[0:8], offset)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return frameHeader + len(payload), nil
}

// scanSegment walks every complete frame of a segment. It returns the
// highest offset seen, whether any frame was seen, and the byte length of
// the valid prefix; a torn frame at the tail is not counted.
func scanSegment(path string, visit func(offset uint64, payload []byte) (bool, error)) (maxOff uint64, seen bool, valid int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, false, 0, err
	}
	size := st.Size()

	for {
		var hdr [frameHeader]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return maxOff, seen, valid, nil
			}
			return 0, false, 0, err
		}
		off := binary.LittleEndian.Uint64(hdr[0:8])
		n := binary.LittleEndian.Uint32(hdr[8:12])
		// A length running past the end of the file is a torn or corrupt tail.
		if int64(n) > size-valid-frameHeader {
			return maxOff, seen, valid, nil
		}

		var payload []byte
		if visit != nil {
			payload = make([]byte, n)
			_, err = io.ReadFull(f, payload)
		} else {
			_, err = io.CopyN(io.Discard, f, int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return maxOff, seen, valid, nil
			}
			return 0, false, 0, err
		}

		valid += frameHeader + int64(n)
		if !seen || off > maxOff {
			maxOff = off
		}
		seen = true
		if visit != nil {
			more, err := visit(off, payload)
			if err != nil || !more {
				return maxOff, seen, valid, err
			}
		}
	}
}
