package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTask       IDType = "task"
	IDTypeEscalation IDType = "esc"
	IDTypeEvent      IDType = "evt"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:       true,
	IDTypeEscalation: true,
	IDTypeEvent:      true,
}

var idRegex = regexp.MustCompile(`^(task|esc|evt)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns "<type>_<unix seconds>_<8 hex chars>". The timestamp
// keeps IDs sortable by creation time; the random tail comes from a v4 UUID.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, random), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// Timestamp portion: 10 digits between the two underscores from the end.
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
