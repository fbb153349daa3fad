package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a random identifier such as "ord-5f0c...". Time-ordered v7
// uuids keep ids of the same prefix roughly sortable by creation.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}
