package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const metadataFile = "metadata.json"

// WriteMetadata merges fields into the session's metadata.json, keeping
// keys written by others.
func (s *Store) WriteMetadata(project, sessionID string, fields map[string]interface{}) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	start := time.Now()

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.SessionDir(project, sessionID), metadataFile)
	merged := readMetadataFile(path)
	for k, v := range fields {
		merged[k] = v
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	err = atomicWrite(path, data)
	recordIO("metadata", start)
	return err
}

// ReadMetadata returns the session metadata, empty when absent or corrupt.
func (s *Store) ReadMetadata(project, sessionID string) (map[string]interface{}, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	return readMetadataFile(filepath.Join(s.SessionDir(project, sessionID), metadataFile)), nil
}

func readMetadataFile(path string) map[string]interface{} {
	out := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	if out == nil {
		out = make(map[string]interface{})
	}
	return out
}
