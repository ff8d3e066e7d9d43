package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Bundle is a recorded race opened for reading.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Header   Header
}

// Open reads the manifest and, when the race was closed cleanly, the header.
func Open(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	bundle := &Bundle{Dir: dir}
	if err := json.Unmarshal(data, &bundle.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if bundle.Manifest.HeaderPath != "" {
		header, err := ReadHeader(filepath.Join(dir, bundle.Manifest.HeaderPath))
		switch {
		case err == nil:
			bundle.Header = header
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	return bundle, nil
}

// ReadEvents decodes the event log in append order.
func (b *Bundle) ReadEvents() ([]EventRecord, error) {
	file, err := os.Open(filepath.Join(b.Dir, b.Manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []EventRecord
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record EventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return events, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, record)
	}
	return events, scanner.Err()
}

// ReadFrames decodes the frame log in append order.
func (b *Bundle) ReadFrames() ([]FrameRecord, error) {
	file, err := os.Open(filepath.Join(b.Dir, b.Manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []FrameRecord
	header := make([]byte, frameHeaderSize)
	for {
		//1.- A clean EOF on a frame boundary ends the log.
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, fmt.Errorf("read frame %d header: %w", len(frames), err)
		}
		frame := FrameRecord{
			Tick:       binary.LittleEndian.Uint64(header[0:8]),
			ElapsedMs:  int64(binary.LittleEndian.Uint64(header[8:16])),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))).UTC(),
			Payload:    make([]byte, binary.LittleEndian.Uint32(header[24:28])),
		}
		if _, err := io.ReadFull(decoder, frame.Payload); err != nil {
			return frames, fmt.Errorf("read frame %d payload: %w", len(frames), err)
		}
		frames = append(frames, frame)
	}
}

// ReadEvents opens the bundle in dir and returns its events.
func ReadEvents(dir string) ([]EventRecord, error) {
	bundle, err := Open(dir)
	if err != nil {
		return nil, err
	}
	return bundle.ReadEvents()
}

// ReadFrames opens the bundle in dir and returns its frames.
func ReadFrames(dir string) ([]FrameRecord, error) {
	bundle, err := Open(dir)
	if err != nil {
		return nil, err
	}
	return bundle.ReadFrames()
}
