package medvault

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// Envelope is the document stored in the blob store. Only EncryptedContent is secret;
// the descriptive fields travel in the clear next to it, and the record id is the SHA-256
// of the encoded envelope.
type Envelope struct {
	FileName         string    `json:"fileName"`
	FileType         string    `json:"fileType"`
	DataType         DataType  `json:"dataType"`
	EncryptedContent []byte    `json:"encryptedContent"`
	Timestamp        time.Time `json:"timestamp"`
}

// Validate reports every missing or malformed field.
func (e Envelope) Validate() error {
	var errs errsx.Map
	if strings.TrimSpace(e.FileName) == "" {
		errs.Set("fileName", "is required")
	}
	if !e.DataType.Valid() {
		errs.Set("dataType", vaulterr.ErrInvalidDataType)
	}
	if len(e.EncryptedContent) == 0 {
		errs.Set("encryptedContent", "is required")
	}
	if e.Timestamp.IsZero() {
		errs.Set("timestamp", "is required")
	}
	return errs.AsError()
}

// EncodeEnvelope returns the bytes to store for e.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses stored bytes. Anything that is not a well-formed envelope is
// reported as corruption, since the bytes already matched their reference.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed envelope: %v", vaulterr.ErrBlobCorrupted, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", vaulterr.ErrBlobCorrupted, err)
	}
	return e, nil
}
