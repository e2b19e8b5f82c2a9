package system

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	SessionPrefix = "ses_"
	MessagePrefix = "msg_"
	RequestPrefix = "req_"
)

func GenerateUUID() string {
	return uuid.New().String()
}

// newID returns a lowercase ULID: sortable by creation time, which keeps
// list queries on primary key roughly chronological for free.
func newID() string {
	return strings.ToLower(ulid.Make().String())
}

func GenerateSessionID() string {
	return fmt.Sprintf("%s%s", SessionPrefix, newID())
}

func GenerateMessageID() string {
	return fmt.Sprintf("%s%s", MessagePrefix, newID())
}

func GenerateRequestID() string {
	return fmt.Sprintf("%s%s", RequestPrefix, newID())
}
