package release

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DLQEntry is a release that could not be completed and needs an operator.
type DLQEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	EscrowID      string    `json:"escrowId"`
	ChainID       uint64    `json:"chainId"`
	EscrowAddress string    `json:"escrowAddress"`
	Trigger       string    `json:"trigger"`
	TxHash        string    `json:"txHash,omitempty"`
	Error         string    `json:"error"`
}

// DLQ stores one JSON file per entry under dir. An empty dir disables it.
type DLQ struct {
	dir string
}

func NewDLQ(dir string) *DLQ {
	return &DLQ{dir: dir}
}

func (d *DLQ) Write(entry DLQEntry) error {
	if d == nil || d.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("dlq mkdir: %w", err)
	}
	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), entry.EscrowID)
	if err := os.WriteFile(filepath.Join(d.dir, filename), data, 0o600); err != nil {
		return fmt.Errorf("dlq write: %w", err)
	}
	return nil
}

// Depth counts queued entries. A missing directory is an empty queue.
func (d *DLQ) Depth() (int, error) {
	if d == nil || d.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(d.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

// Entries returns queued entries oldest first.
func (d *DLQ) Entries() ([]DLQEntry, error) {
	if d == nil || d.dir == "" {
		return nil, nil
	}
	files, err := os.ReadDir(d.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []DLQEntry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.dir, f.Name()))
		if err != nil {
			return nil, err
		}
		var entry DLQEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("dlq decode %s: %w", f.Name(), err)
		}
		out = append(out, entry)
	}
	return out, nil
}
