package browser

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-bookshelf-download/internal/helpers"

	log "github.com/sirupsen/logrus"
)

var (
	activeProtocolLogs []*ProtocolLog
	protocolLogsMu     sync.Mutex
)

// ProtocolLog appends raw DevTools protocol traffic to a file. Its Logf method
// is handed to chromedp.WithDebugf.
type ProtocolLog struct {
	logFile *os.File
	writer  *bufio.Writer
	mu      sync.Mutex
	lines   int
}

// NewProtocolLog opens path for appending and registers the log so
// CloseAllProtocolLogs can flush it on exit.
func NewProtocolLog(path string) (*ProtocolLog, error) {
	safePath := path
	if !filepath.IsAbs(path) {
		safePath = helpers.SanitizePath(path)
	}
	// #nosec G304
	f, err := os.OpenFile(safePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open protocol log %s: %w", safePath, err)
	}

	pl := &ProtocolLog{logFile: f, writer: bufio.NewWriter(f)}

	protocolLogsMu.Lock()
	activeProtocolLogs = append(activeProtocolLogs, pl)
	protocolLogsMu.Unlock()
	log.Debugf("Writing DevTools protocol traffic to %s", safePath)

	return pl, nil
}

// Logf writes one protocol message with a timestamp.
func (p *ProtocolLog) Logf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf(format, args...)
	if _, err := fmt.Fprintf(p.writer, "%s %s\n", time.Now().Format(time.RFC3339Nano), line); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to protocol log: %v\n", err)
		return
	}
	p.lines++
	// Flush periodically so a crash still leaves most of the trace behind.
	if p.lines%50 == 0 {
		if err := p.writer.Flush(); err != nil {
			log.WithError(err).Error("Failed to flush protocol log")
		}
	}
}

// Close flushes and closes the file.
func (p *ProtocolLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	errFlush := p.writer.Flush()
	errClose := p.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush protocol log: %w", errFlush)
	}
	return errClose
}

// CloseAllProtocolLogs closes every log opened by NewProtocolLog.
func CloseAllProtocolLogs() {
	protocolLogsMu.Lock()
	defer protocolLogsMu.Unlock()

	for _, p := range activeProtocolLogs {
		if err := p.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing protocol log %s: %v\n", p.logFile.Name(), err)
		}
	}
	log.Debugf("Closed %d protocol logs", len(activeProtocolLogs))
	activeProtocolLogs = nil
}
