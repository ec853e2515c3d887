package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the routing audit trail.
type LogEntry struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      string                 `json:"event_type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	TaskID         string                 `json:"task_id,omitempty"`
	MediaID        string                 `json:"media_id,omitempty"`
	AgentID        string                 `json:"agent_id,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends events to a JSONL file, rotating into archive/ once
// the file would exceed maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
	onError         func(error)
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// SetErrorHandler installs the hook called when a bus event cannot be written.
func (l *AuditLogger) SetErrorHandler(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onError = fn
}

// Subscriber adapts the logger to the Bus.
func (l *AuditLogger) Subscriber() Subscriber {
	return func(e Event) {
		entry := entryFromEvent(e)
		if err := l.WriteEntry(&entry); err != nil {
			l.mu.Lock()
			onError := l.onError
			l.mu.Unlock()
			if onError != nil {
				onError(err)
			}
		}
	}
}

func entryFromEvent(e Event) LogEntry {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   e.Data,
	}
	if v, ok := e.Data["conversation_id"].(string); ok {
		entry.ConversationID = v
	}
	if v, ok := e.Data["task_id"].(string); ok {
		entry.TaskID = v
	}
	if v, ok := e.Data["media_id"].(string); ok {
		entry.MediaID = v
	}
	if v, ok := e.Data["agent_id"].(string); ok {
		entry.AgentID = v
	}
	return entry
}

// Log writes an entry stamped with the current time.
func (l *AuditLogger) Log(eventType EventType, details map[string]interface{}) error {
	entry := entryFromEvent(Event{Type: eventType, Timestamp: time.Now().UTC(), Data: details})
	return l.WriteEntry(&entry)
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	l.rotationCounter++
	base := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(filepath.Ext(base))],
		time.Now().Format("20060102_150405"),
		l.rotationCounter,
		LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}
	return l.openLogFile()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
