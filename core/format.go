package core

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	dataFilePrefix = "buffer-data-"
	dataFileSuffix = ".dat"

	// LedgerFileName is the name of the ledger state file inside a buffer
	// directory.
	LedgerFileName = "buffer.db"

	// LockFileName is the name of the advisory lock file inside a buffer
	// directory.
	LockFileName = "buffer.lock"
)

// DataFileName formats the file name for a data file ID. File IDs are 16-bit
// and wrap around, so names are eventually reused.
func DataFileName(id uint16) string {
	return fmt.Sprintf("%s%05d%s", dataFilePrefix, id, dataFileSuffix)
}

// ParseDataFileName extracts the file ID from a data file name.
func ParseDataFileName(name string) (uint16, error) {
	if !strings.HasPrefix(name, dataFilePrefix) || !strings.HasSuffix(name, dataFileSuffix) {
		return 0, fmt.Errorf("file %s is not a buffer data file", name)
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, dataFilePrefix), dataFileSuffix)
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("could not parse data file ID from %s: %w", name, err)
	}
	return uint16(id), nil
}

// IsDataFileName reports whether name looks like a buffer data file name.
func IsDataFileName(name string) bool {
	_, err := ParseDataFileName(name)
	return err == nil
}
