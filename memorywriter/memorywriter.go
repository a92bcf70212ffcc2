package memorywriter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Rotating in-memory log. Keeps the first startCount lines from
// process start plus a ring of the most recent lines, so the status
// page can show both how the daemon booted and what it did last,
// without the log ever growing unbounded.

// hard cap per line, longer input is truncated
const maxLineLength = 500

type MemoryWriter struct {
	mu sync.Mutex

	maxLineCount int
	lines        [][]byte // lines include newlines
	startCount   int
	startLines   [][]byte

	startTime time.Time
	printTime bool

	extra io.Writer // optional tee, used for verbose stderr logging
}

func New(size, startSize int, printTime bool, extra io.Writer) (*MemoryWriter, error) {
	if size <= 0 || startSize < 0 {
		return nil, errors.New("memorywriter: nonsense size")
	}
	return &MemoryWriter{
		maxLineCount: size,
		lines:        make([][]byte, 0, size),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		extra:        extra,
	}, nil
}

func (m *MemoryWriter) Log(s string) {
	_, err := m.Write([]byte(s + "\n"))
	if err != nil {
		// give up, just print on stdout
		fmt.Println(err)
	}
}

func (m *MemoryWriter) Write(p []byte) (int, error) {
	if len(p) > maxLineLength {
		p = p[:maxLineLength]
	}

	var line []byte
	if m.printTime {
		now := time.Now()
		elapsed := now.Sub(m.startTime)
		line = []byte(fmt.Sprintf("[%.6f : %s] %s", elapsed.Seconds(), now.Format("15:04:05"), string(p)))
	} else {
		line = make([]byte, len(p))
		copy(line, p)
	}

	m.mu.Lock()
	if len(m.startLines) < m.startCount {
		// still within the retained start of the log
		m.startLines = append(m.startLines, line)
	} else {
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
		}
		m.lines = append(m.lines, line)
	}
	extra := m.extra
	m.mu.Unlock()

	if extra != nil {
		if _, err := extra.Write(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// writeTo exports the remembered lines, latest first, with additional
// text on top (version, device info, ...).
func (m *MemoryWriter) writeTo(start string, w io.Writer) error {
	if _, err := w.Write([]byte(start)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.lines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.lines[i]); err != nil {
			return err
		}
	}

	// gap between the rotating part and the retained start
	if _, err := w.Write([]byte("...\n")); err != nil {
		return err
	}

	for i := len(m.startLines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.startLines[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryWriter) String(start string) (string, error) {
	var b bytes.Buffer
	if err := m.writeTo(start, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip exports the log as gzip bytes for the status page download.
func (m *MemoryWriter) Gzip(start string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}

	gw.Name = "log.txt"
	if err := m.writeTo(start, gw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
