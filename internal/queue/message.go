package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

// BatchMessage is the broker payload asking a worker to run one batch.
type BatchMessage struct {
	CorrelationID string               `json:"correlationId,omitempty"`
	Request       domain.RunnerRequest `json:"request"`
}

func (m BatchMessage) BatchID() string {
	return m.Request.BatchID
}

// Validate checks what is needed to route and identify the message. The
// batch configuration itself is validated by the runner.
func (m BatchMessage) Validate() error {
	if strings.TrimSpace(m.Request.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if !m.Request.Provider.IsValid() {
		return fmt.Errorf("invalid provider %q", m.Request.Provider)
	}
	return nil
}
